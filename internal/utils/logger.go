package utils

import (
	"fmt"
	"io"
	"log"
	"os"
)

type Logger struct {
	debug       bool
	debugLogger *log.Logger
	infoLogger  *log.Logger
	warnLogger  *log.Logger
	errorLogger *log.Logger
	fatalLogger *log.Logger
}

// NewLogger writes every level to out; a nil out means stdout.
func NewLogger(debug bool, out io.Writer) *Logger {
	if out == nil {
		out = os.Stdout
	}
	flags := log.Ldate | log.Ltime | log.Lshortfile

	return &Logger{
		debug:       debug,
		debugLogger: log.New(out, "DEBUG: ", flags),
		infoLogger:  log.New(out, "INFO: ", flags),
		warnLogger:  log.New(out, "WARN: ", flags),
		errorLogger: log.New(out, "ERROR: ", flags),
		fatalLogger: log.New(out, "FATAL: ", flags),
	}
}

func (l *Logger) Debug(v ...interface{}) {
	if l.debug {
		l.debugLogger.Output(2, fmt.Sprintln(v...))
	}
}

func (l *Logger) Info(v ...interface{}) {
	l.infoLogger.Output(2, fmt.Sprintln(v...))
}

func (l *Logger) Warn(v ...interface{}) {
	l.warnLogger.Output(2, fmt.Sprintln(v...))
}

func (l *Logger) Error(v ...interface{}) {
	l.errorLogger.Output(2, fmt.Sprintln(v...))
}

func (l *Logger) Fatal(v ...interface{}) {
	l.fatalLogger.Output(2, fmt.Sprintln(v...))
	os.Exit(1)
}
