package logging

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"
)

// Setup applies the level name and, at debug or trace, prefixes every line
// with the calling file and line.
func Setup(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level failed: %w", err)
	}
	log.SetLevel(lvl)
	if lvl == log.DebugLevel || lvl == log.TraceLevel {
		log.SetReportCaller(true)
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  "2006-01-02 15:04:05",
			CallerPrettyfier: prettyCaller,
		})
		return nil
	}
	log.SetReportCaller(false)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	return nil
}

func prettyCaller(f *runtime.Frame) (string, string) {
	filename := f.File[strings.LastIndex(f.File, string(os.PathSeparator))+1:]
	caller := strings.Replace(fmt.Sprintf("%s:%d", filename, f.Line), ".go", "", 1)
	pad := 12 - utf8.RuneCountInString(caller)
	if pad < 0 {
		pad = 0
	}
	return "", "[" + caller + strings.Repeat(" ", pad) + "]"
}
