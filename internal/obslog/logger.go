// Package obslog is the proxy's process-wide logger: level-tagged,
// caller-annotated, ANSI-colored, rotated to disk via lumberjack. Color
// codes are written to every destination; there is no terminal check.
package obslog

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	colorReset  = "\033[0m"
	colorWhite  = ""
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorGreen  = "\033[32m"
	colorPurple = "\033[35m"
)

var generalLogger = log.New(os.Stdout, "", 0)

// ReqID tags a trailing logMessage argument as the request correlation id —
// a distinct type, not a bare string, so an ordinary %s data argument is
// never mistaken for one.
type ReqID string

func colorFor(level string) string {
	switch level {
	case "[ERROR]":
		return colorRed
	case "[WARNING]":
		return colorYellow
	case "[DEBUG]":
		return colorGreen
	case "[FATAL]":
		return colorPurple
	default:
		return colorWhite
	}
}

// Set points the logger at a rotated log file in addition to stdout.
func Set(path string) {
	logFile := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
	generalLogger = log.New(io.MultiWriter(os.Stdout, logFile), "", 0)
}

// Info logs at INFO level with printf-style formatting.
func Info(format string, args ...interface{}) { logMessage(format, "[INFO]", 2, args...) }

// Error logs at ERROR level with printf-style formatting.
func Error(format string, args ...interface{}) { logMessage(format, "[ERROR]", 2, args...) }

// Warn logs at WARNING level with printf-style formatting.
func Warn(format string, args ...interface{}) { logMessage(format, "[WARNING]", 2, args...) }

// Debug logs at DEBUG level with printf-style formatting.
func Debug(format string, args ...interface{}) { logMessage(format, "[DEBUG]", 2, args...) }

// Fatal logs at FATAL level and exits the process.
func Fatal(format string, args ...interface{}) {
	logMessage(format, "[FATAL]", 2, args...)
	os.Exit(1)
}

// logMessage formats a message and, if the last arg is a ReqID, treats it
// as the request's correlation id and tags the line with it.
func logMessage(format string, level string, skip int, args ...interface{}) {
	var corrID ReqID
	formatArgs := args

	if len(args) > 0 {
		if id, ok := args[len(args)-1].(ReqID); ok {
			corrID = id
			formatArgs = args[:len(args)-1]
		}
	}

	_, file, line, ok := runtime.Caller(skip)
	caller := ""
	if ok {
		parts := strings.Split(file, "/")
		caller = fmt.Sprintf("%s:%d:", parts[len(parts)-1], line)
	}

	message := format
	if len(formatArgs) > 0 {
		message = fmt.Sprintf(format, formatArgs...)
	}

	now := time.Now().Format("2006/01/02 15:04:05")
	color := colorFor(level)

	if corrID != "" {
		generalLogger.Printf("%s%s %s %s [REQ:%s] %s%s", color, now, caller, level, corrID, message, colorReset)
	} else {
		generalLogger.Printf("%s%s %s %s %s%s", color, now, caller, level, message, colorReset)
	}
}

// GetRequestLogs scans a log file for lines tagged with the given
// correlation id, streaming each matching line to writer.
func GetRequestLogs(logFilePath string, correlationID string, writer func(string)) error {
	file, err := os.Open(logFilePath)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	pattern := fmt.Sprintf("[REQ:%s]", correlationID)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, pattern) {
			writer(line)
		}
	}
	return scanner.Err()
}
