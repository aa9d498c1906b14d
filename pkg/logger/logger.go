package logger

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

var ginOnce sync.Once

const (
	FormatText = "text"
	FormatJSON = "json"
)

// InitLogger builds a component logger tagged with node.
func InitLogger(logLevel string, node string) *logrus.Entry {
	return New(logLevel, FormatText, node)
}

func New(logLevel, format, node string) *logrus.Entry {
	formattedLogger := logrus.New()
	formattedLogger.Out = os.Stderr

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.WithError(err).Error("Error parsing log level, using: info")
		level = logrus.InfoLevel
	}

	formattedLogger.Level = level
	formattedLogger.SetReportCaller(true)

	prettyfier := func(f *runtime.Frame) (string, string) {
		filename := f.File
		if idx := strings.Index(filename, "careflow/"); idx >= 0 {
			filename = filename[idx+len("careflow/"):]
		}
		return fmt.Sprintf("%s()", shortFunc(f.Function)), fmt.Sprintf("%s:%d", filename, f.Line)
	}

	if format == FormatJSON {
		formattedLogger.Formatter = &logrus.JSONFormatter{CallerPrettyfier: prettyfier}
	} else {
		formattedLogger.Formatter = &logrus.TextFormatter{
			FullTimestamp:    true,
			CallerPrettyfier: prettyfier,
		}
	}

	log := logrus.NewEntry(formattedLogger).WithField("node", node)
	ginOnce.Do(func() {
		if level == logrus.DebugLevel {
			gin.DefaultWriter = log.Writer()
			gin.SetMode(gin.DebugMode)
		} else {
			gin.DefaultWriter = io.Discard
			gin.SetMode(gin.ReleaseMode)
		}
	})

	return log
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.Out = io.Discard
	return logrus.NewEntry(l)
}

func shortFunc(fn string) string {
	if idx := strings.LastIndex(fn, "/"); idx >= 0 {
		return fn[idx+1:]
	}
	return fn
}
