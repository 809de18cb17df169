package errors

// Convenience constructors for the failure taxonomy.

func SpawnError(op string, cause error) *Error {
	return &Error{Kind: KindSpawn, Op: op, Message: "process could not be started", Err: cause}
}

func EnvironmentCreationError(path string, cause error) *Error {
	return &Error{Kind: KindEnvironmentCreation, Op: "environment.create", Message: "cannot provision environment at " + path, Err: cause}
}

func BootstrapError(path string, cause error) *Error {
	return &Error{Kind: KindBootstrap, Op: "environment.bootstrap", Message: "package manager bootstrap failed in " + path, Err: cause}
}

func StepFailure(stage, step string, cause error) *Error {
	return &Error{Kind: KindStepFailure, Op: "step", Stage: stage, Step: step, Err: cause}
}

func ToleratedFailure(stage, step string, cause error) *Error {
	return &Error{Kind: KindToleratedFailure, Op: "step", Stage: stage, Step: step, Err: cause}
}

func ArtifactMissing(stage, name, pattern string) *Error {
	return &Error{Kind: KindArtifactMissing, Op: "artifacts.collect", Stage: stage, Message: "no files match " + pattern + " for artifact " + name}
}

func ConfigError(op string, cause error) *Error {
	return &Error{Kind: KindConfig, Op: op, Err: cause}
}

func Canceled(stage string, cause error) *Error {
	return &Error{Kind: KindCanceled, Op: "pipeline", Stage: stage, Message: "pipeline canceled", Err: cause}
}
