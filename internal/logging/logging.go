package logging

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"scribe/internal/utils"

	"gopkg.in/natefinch/lumberjack.v2"
)

var logFile *lumberjack.Logger

// Setup initializes the logging system
func Setup(logPath string, debug bool) error {
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile = &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     7, // days
		Compress:   false,
	}

	writers := []io.Writer{logFile}
	if fileInfo, _ := os.Stdout.Stat(); fileInfo != nil {
		writers = append(writers, os.Stdout)
	}
	multiWriter := io.MultiWriter(writers...)

	slog.SetDefault(New(multiWriter, debug))

	// Also redirect standard log package to the file
	log.SetOutput(multiWriter)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	slog.Info("logging initialized", "path", logPath, "debug", debug)

	return nil
}

// New builds a text logger writing to w.
func New(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Close closes the log file
func Close() {
	if logFile == nil {
		return
	}
	slog.Info("logging shutdown")
	if err := logFile.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to close log file: %v\n", err)
	}
	logFile = nil
}

// GetDefaultLogPath returns the log file path inside the app data directory,
// falling back to a logs folder next to the executable.
func GetDefaultLogPath() string {
	if dir, err := utils.GetLogsDir(); err == nil {
		return filepath.Join(dir, "scribe.log")
	}
	exePath, err := os.Executable()
	if err != nil {
		return filepath.Join(".", "logs", "scribe.log")
	}
	return filepath.Join(filepath.Dir(exePath), "logs", "scribe.log")
}
