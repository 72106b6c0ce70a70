package errors

import (
	"fmt"
	"net/http"
	"runtime"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
)

const CodePanic = "PANIC"

// StackFrame represents a single frame in a stack trace
type StackFrame struct {
	Function string `json:"function"`
	Package  string `json:"package"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

func (f StackFrame) String() string {
	return fmt.Sprintf("%s.%s (%s:%d)", f.Package, f.Function, f.File, f.Line)
}

// captureStackTrace captures the current stack trace
func captureStackTrace(skip, maxDepth int) []StackFrame {
	frames := make([]StackFrame, 0, maxDepth)

	for i := skip; i < skip+maxDepth; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		funcName := fn.Name()
		var packageName string
		if lastSlash := strings.LastIndex(funcName, "/"); lastSlash >= 0 {
			if lastDot := strings.Index(funcName[lastSlash:], "."); lastDot >= 0 {
				packageName = funcName[:lastSlash+lastDot]
				funcName = funcName[lastSlash+lastDot+1:]
			}
		} else if lastDot := strings.Index(funcName, "."); lastDot >= 0 {
			packageName = funcName[:lastDot]
			funcName = funcName[lastDot+1:]
		}

		frames = append(frames, StackFrame{
			Function: funcName,
			Package:  packageName,
			File:     file,
			Line:     line,
		})
	}
	return frames
}

// NewPanicError wraps a recovered panic value. The stack is captured from
// the caller of NewPanicError.
func NewPanicError(recovered interface{}) (*SignageError, []StackFrame) {
	cause, ok := recovered.(error)
	if !ok {
		cause = fmt.Errorf("%v", recovered)
	}
	return &SignageError{
		Code:       CodePanic,
		Message:    "Panic recovered",
		Cause:      cause,
		HTTPStatus: http.StatusInternalServerError,
	}, captureStackTrace(2, 32)
}

// RecoveryMiddleware turns handler panics into a 500 SignageError response
// and logs where the panic came from.
func RecoveryMiddleware(logger hclog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		se, frames := NewPanicError(recovered)

		stack := make([]string, 0, len(frames))
		for _, f := range frames {
			stack = append(stack, f.String())
		}
		logger.Error("panic in http handler",
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"error", se.Cause,
			"request_id", c.GetString("request_id"),
			"stack", stack,
		)
		se.ToGinResponse(c)
		c.Abort()
	})
}
