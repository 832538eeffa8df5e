package models

// SSHConfig holds SSH connection settings for remote file retrieval.
type SSHConfig struct {
	Host           string
	Port           int
	Username       string
	PrivateKey     []byte // takes precedence over KeyPath
	KeyPath        string
	KnownHostsFile string // host keys are not checked when empty
}

// SSHResult holds the result of an SSH operation.
type SSHResult struct {
	CommandRun bool
	Output     string
	Error      error
}
