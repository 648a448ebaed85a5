package mate

import (
	"time"

	"github.com/TomasBorquez/logger"
)

type LogLevel int

const (
	LogFatal LogLevel = iota
	LogError
	LogWarning
	LogInfo
	LogDebug
)

func (l LogLevel) String() string {
	switch l {
	case LogFatal:
		return "FATAL"
	case LogError:
		return "ERROR"
	case LogWarning:
		return "WARNING"
	case LogInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

// AccessLogger is called once per completed request.
type AccessLogger func(req *Request, res *Response)

// ErrorLogger receives internal diagnostics.
type ErrorLogger func(level LogLevel, message string)

// Loggers is the logging context a Server hands to its routers and renderer.
// A nil sink is a silent no-op.
type Loggers struct {
	Access AccessLogger
	Error  ErrorLogger
}

func (l Loggers) access(req *Request, res *Response) {
	if l.Access != nil {
		l.Access(req, res)
	}
}

func (l Loggers) error(level LogLevel, message string) {
	if l.Error != nil {
		l.Error(level, message)
	}
}

// DefaultLoggers writes through the terminal logger, colouring the access
// line by status class.
func DefaultLoggers() Loggers {
	return Loggers{
		Access: DefaultAccessLogger,
		Error:  DefaultErrorLogger,
	}
}

func DefaultAccessLogger(req *Request, res *Response) {
	var color string
	switch {
	case res.Status < 300:
		color = logger.Green
	case res.Status < 400:
		color = logger.Blue
	case res.Status < 500:
		color = logger.Orange
	default:
		color = logger.Red
	}

	end := req.End
	if end.IsZero() {
		end = time.Now()
	}

	logger.Custom("[MATE]: %s%d%s - %dms | %s %s (%s)",
		color,
		res.Status,
		logger.Reset,
		end.Sub(req.Start).Milliseconds(),
		req.Method,
		req.Path,
		req.ID)
}

func DefaultErrorLogger(level LogLevel, message string) {
	switch level {
	case LogFatal, LogError:
		logger.Error("[MATE]: %s", message)
	case LogWarning:
		logger.Warning("[MATE]: %s", message)
	case LogInfo:
		logger.Custom("[MATE]: %s", message)
	default:
		logger.Custom("[MATE]: %s%s%s", logger.Blue, message, logger.Reset)
	}
}
