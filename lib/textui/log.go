// Package textui is the logging and human-output layer shared by the
// commit engine, allocator, traversal/GC, and the cmd/lfs3 CLI.
// Grounded on the teacher's lib/textui/log.go (a dlib/dlog logger
// backend with caller-annotated, field-sortable single-line output)
// and text.go (golang.org/x/text-based humanized number formatting),
// adapted from btrfs-rec's field taxonomy to lfs3's own.
package textui

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/spf13/pflag"
)

// LogLevelFlag adapts dlog.LogLevel to pflag, for the --verbosity CLI
// flag in cmd/lfs3.
type LogLevelFlag struct {
	Level dlog.LogLevel
}

var _ pflag.Value = (*LogLevelFlag)(nil)

func (lvl *LogLevelFlag) Type() string { return "loglevel" }

func (lvl *LogLevelFlag) Set(str string) error {
	switch strings.ToLower(str) {
	case "error":
		lvl.Level = dlog.LogLevelError
	case "warn", "warning":
		lvl.Level = dlog.LogLevelWarn
	case "info":
		lvl.Level = dlog.LogLevelInfo
	case "debug":
		lvl.Level = dlog.LogLevelDebug
	case "trace":
		lvl.Level = dlog.LogLevelTrace
	default:
		return fmt.Errorf("invalid log level: %q", str)
	}
	return nil
}

func (lvl *LogLevelFlag) String() string {
	switch lvl.Level {
	case dlog.LogLevelError:
		return "error"
	case dlog.LogLevelWarn:
		return "warn"
	case dlog.LogLevelInfo:
		return "info"
	case dlog.LogLevelDebug:
		return "debug"
	case dlog.LogLevelTrace:
		return "trace"
	default:
		panic(fmt.Errorf("invalid log level: %#v", lvl.Level))
	}
}

type logger struct {
	parent *logger
	out    io.Writer
	lvl    dlog.LogLevel

	fieldKey string
	fieldVal any
}

var _ dlog.OptimizedLogger = (*logger)(nil)

// NewLogger returns a dlog.Logger that writes single-line,
// caller-annotated records to out, filtered to lvl and above.
func NewLogger(out io.Writer, lvl dlog.LogLevel) dlog.Logger {
	return &logger{out: out, lvl: lvl}
}

func (l *logger) Helper() {}

func (l *logger) WithField(key string, value any) dlog.Logger {
	return &logger{
		parent:   l,
		out:      l.out,
		lvl:      l.lvl,
		fieldKey: key,
		fieldVal: value,
	}
}

type logWriter struct {
	log *logger
	lvl dlog.LogLevel
}

func (lw logWriter) Write(data []byte) (int, error) {
	lw.log.log(lw.lvl, func(w io.Writer) { _, _ = w.Write(data) })
	return len(data), nil
}

func (l *logger) StdLogger(lvl dlog.LogLevel) *log.Logger {
	return log.New(logWriter{log: l, lvl: lvl}, "", 0)
}

func (l *logger) Log(lvl dlog.LogLevel, msg string) {
	panic("should not happen: optimized log methods should be used instead")
}

func (l *logger) UnformattedLog(lvl dlog.LogLevel, args ...any) {
	l.log(lvl, func(w io.Writer) { printer.Fprint(w, args...) })
}

func (l *logger) UnformattedLogln(lvl dlog.LogLevel, args ...any) {
	l.log(lvl, func(w io.Writer) { printer.Fprintln(w, args...) })
}

func (l *logger) UnformattedLogf(lvl dlog.LogLevel, format string, args ...any) {
	l.log(lvl, func(w io.Writer) { printer.Fprintf(w, format, args...) })
}

var (
	logBuf     bytes.Buffer
	logMu      sync.Mutex
	thisModDir string
)

func init() {
	_, file, _, _ := runtime.Caller(0)
	thisModDir = filepath.Dir(filepath.Dir(filepath.Dir(file)))
}

func (l *logger) log(lvl dlog.LogLevel, writeMsg func(io.Writer)) {
	if lvl > l.lvl {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	defer logBuf.Reset()

	now := time.Now()
	const timeFmt = "2006-01-02 15:04:05.0000"
	logBuf.WriteString(now.Format(timeFmt))

	switch lvl {
	case dlog.LogLevelError:
		logBuf.WriteString(" ERR")
	case dlog.LogLevelWarn:
		logBuf.WriteString(" WRN")
	case dlog.LogLevelInfo:
		logBuf.WriteString(" INF")
	case dlog.LogLevelDebug:
		logBuf.WriteString(" DBG")
	case dlog.LogLevelTrace:
		logBuf.WriteString(" TRC")
	}

	fields := make(map[string]any)
	var fieldKeys []string
	for f := l; f.parent != nil; f = f.parent {
		if _, exists := fields[f.fieldKey]; exists {
			continue
		}
		fields[f.fieldKey] = f.fieldVal
		fieldKeys = append(fieldKeys, f.fieldKey)
	}
	sort.Slice(fieldKeys, func(i, j int) bool {
		iOrd := fieldOrd(fieldKeys[i])
		jOrd := fieldOrd(fieldKeys[j])
		if iOrd != jOrd {
			return iOrd < jOrd
		}
		return fieldKeys[i] < fieldKeys[j]
	})
	nextField := len(fieldKeys)
	for i, fieldKey := range fieldKeys {
		if fieldOrd(fieldKey) >= 0 {
			nextField = i
			break
		}
		printer.Fprintf(&logBuf, " %s=%v", fieldName(fieldKey), fields[fieldKey])
	}

	logBuf.WriteString(" : ")
	writeMsg(&logBuf)

	if nextField < len(fieldKeys) {
		logBuf.WriteString(" :")
	}
	for _, fieldKey := range fieldKeys[nextField:] {
		printer.Fprintf(&logBuf, " %s=%v", fieldName(fieldKey), fields[fieldKey])
	}

	const (
		thisModule         = "github.com/lfs3-go/lfs3"
		thisPackage        = "github.com/lfs3-go/lfs3/lib/textui"
		maximumCallerDepth = 25
		minimumCallerDepth = 3
	)
	var pcs [maximumCallerDepth]uintptr
	depth := runtime.Callers(minimumCallerDepth, pcs[:])
	frames := runtime.CallersFrames(pcs[:depth])
	for f, again := frames.Next(); again; f, again = frames.Next() {
		if !strings.HasPrefix(f.Function, thisModule+"/") {
			continue
		}
		if strings.HasPrefix(f.Function, thisPackage+".") {
			continue
		}
		if nextField == len(fieldKeys) {
			logBuf.WriteString(" :")
		}
		file := f.File
		if idx := strings.LastIndex(file, thisModDir+"/"); idx >= 0 {
			file = file[idx+len(thisModDir+"/"):]
		}
		fmt.Fprintf(&logBuf, " (from %s:%d)", file, f.Line)
		break
	}

	logBuf.WriteByte('\n')
	_, _ = l.out.Write(logBuf.Bytes())
}

// fieldOrd places lfs3's own field taxonomy: commit-pipeline and
// traversal/GC step fields sort left of the message, everything else
// sorts right.
func fieldOrd(key string) int {
	switch key {
	case "THREAD": // dgroup
		return -5
	case "lfs3.commit.step":
		return -4
	case "lfs3.traversal.state":
		return -3
	case "lfs3.alloc.step":
		return -2
	case "lfs3.mdir.pair":
		return -1
	default:
		return 1
	}
}

func fieldName(key string) string {
	switch key {
	case "THREAD":
		return "thread"
	default:
		switch {
		case strings.HasPrefix(key, "lfs3."):
			return strings.TrimPrefix(key, "lfs3.")
		default:
			return key
		}
	}
}
