package execerr

import (
	"errors"
	"fmt"
)

var (
	ErrNoPortsAvailable  = &Error{Kind: KindUser, Message: "There are no available ports for a remote screen right now. Try again later"}
	ErrUserBusy          = &Error{Kind: KindUser, Message: "You can only run a single concurrent execution per user"}
	ErrUnknownAssignment = &Error{Kind: KindUser, Message: "Could not associate request with an assignment"}
	ErrNoCommands        = &Error{Kind: KindUser, Message: "There are no commands to run."}
	ErrAlreadySubmitted  = &Error{Kind: KindUser, Message: "You have already handed in something. You cannot redo it!"}
	ErrNoSubmission      = &Error{Kind: KindUser, Message: "This hand-in does not exist!"}
)

// PayloadTooBigError is returned before any container exists when the decoded
// payload would exceed the configured limit.
type PayloadTooBigError struct {
	Limit  int64
	Actual int64
}

func (e *PayloadTooBigError) Error() string {
	return fmt.Sprintf("Maximum payload size exceeded by %d bytes! Maximum allowed size is %d bytes. Payload size was %d bytes",
		e.Actual-e.Limit, e.Limit, e.Actual)
}

func (e *PayloadTooBigError) ExecKind() Kind { return KindUser }

func IsPayloadTooBig(err error) bool {
	var p *PayloadTooBigError
	return errors.As(err, &p)
}
