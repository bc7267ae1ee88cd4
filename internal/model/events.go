package model

import "fmt"

type Severity string

const (
	SeverityDebug       Severity = "debug"
	SeverityInformation Severity = "information"
	SeverityError       Severity = "error"
)

// LogEvent is the only thing a caller observes while an execution streams.
type LogEvent struct {
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func Debug(format string, args ...any) LogEvent {
	return LogEvent{Message: fmt.Sprintf(format, args...), Severity: SeverityDebug}
}

func Info(msg string) LogEvent {
	return LogEvent{Message: msg, Severity: SeverityInformation}
}

func Errorf(format string, args ...any) LogEvent {
	return LogEvent{Message: fmt.Sprintf(format, args...), Severity: SeverityError}
}

// SourceError is a compiler diagnostic extracted from process output.
type SourceError struct {
	AffectedFile string `json:"affectedFile"`
	Line         *int   `json:"line,omitempty"`
	Column       *int   `json:"column,omitempty"`
	Type         string `json:"type"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type StreamChannel int

const (
	StdOut StreamChannel = iota
	StdErr
	StdIn
)

func (c StreamChannel) String() string {
	switch c {
	case StdOut:
		return "stdout"
	case StdErr:
		return "stderr"
	case StdIn:
		return "stdin"
	}
	return fmt.Sprintf("channel(%d)", int(c))
}

// ExecutionResult is the outcome of one foreground stage.
type ExecutionResult struct {
	Stage      Stage `json:"stage"`
	ReturnCode int   `json:"returnCode"`
}
