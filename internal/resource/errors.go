package resource

import (
	"fmt"
	"sync"
	"time"
)

// ErrorCode classifies why a fallible operation returned false.
type ErrorCode string

const (
	ErrInvalidResource       ErrorCode = "INVALID_RESOURCE"
	ErrInsufficientResources ErrorCode = "INSUFFICIENT_RESOURCES"
	ErrInvalidTransfer       ErrorCode = "INVALID_TRANSFER"
	ErrThresholdViolation    ErrorCode = "THRESHOLD_VIOLATION" // reserved
)

// OpError is the typed record stored per failed operation. Operations
// return false and record one of these instead of returning an error,
// so the tick loop never has to unwind.
type OpError struct {
	Code      ErrorCode `json:"code"`
	Op        string    `json:"op"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Op, e.Message, e.Code)
}

// ErrorLog keeps the most recent error per operation id.
type ErrorLog struct {
	mu   sync.Mutex
	last map[string]*OpError
}

func NewErrorLog() *ErrorLog {
	return &ErrorLog{last: make(map[string]*OpError)}
}

// Record stores the error for op, replacing any previous one.
func (l *ErrorLog) Record(op string, code ErrorCode, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last[op] = &OpError{
		Code:      code,
		Op:        op,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: time.Now(),
	}
}

// Last returns the most recent error recorded for op, or nil.
func (l *ErrorLog) Last(op string) *OpError {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last[op]
}

// Clear drops the recorded error for op.
func (l *ErrorLog) Clear(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.last, op)
}
