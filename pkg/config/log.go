package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const _callerDepth = 2 // number of trailing path elements kept in the caller field

var (
	_bufPool = buffer.NewPool()
)

// Log configures the zap logger and the optional file rotation.
type Log struct {
	Zap            zap.Config
	Rotate         Rotate
	EnableRotation bool
	Level          string
}

// NewLog creates a default logging configuration.
func NewLog() *Log {
	log := &Log{
		Zap: zap.NewProductionConfig(),
	}
	log.Zap.EncoderConfig.EncodeCaller = encodeCaller
	log.Zap.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	log.Zap.EncoderConfig.EncodeDuration = DurationEncoder
	return log
}

// DurationEncoder renders a duration with the largest unit that keeps it above one.
func DurationEncoder(d time.Duration, enc zapcore.PrimitiveArrayEncoder) {
	switch {
	case d < time.Microsecond:
		enc.AppendString(fmt.Sprintf("%dns", d.Nanoseconds()))
	case d < time.Millisecond:
		enc.AppendString(fmt.Sprintf("%dus", d.Microseconds()))
	case d < time.Second:
		enc.AppendString(fmt.Sprintf("%dms", d.Milliseconds()))
	default:
		enc.AppendString(fmt.Sprintf("%.3fs", d.Seconds()))
	}
}

// Adjust derives Zap from Level, EnableRotation and the output paths.
// With rotation enabled, relative file paths are resolved against the working directory.
func (l *Log) Adjust() error {
	if len(l.Zap.ErrorOutputPaths) == 0 {
		l.Zap.ErrorOutputPaths = append([]string(nil), l.Zap.OutputPaths...)
	}

	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return errors.Wrap(err, "parse log level")
	}
	l.Zap.Level = zap.NewAtomicLevelAt(level)

	if !l.EnableRotation {
		return nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return errors.Wrap(err, "get current directory")
	}
	l.Zap.OutputPaths = absPaths(l.Zap.OutputPaths, wd)
	l.Zap.ErrorOutputPaths = absPaths(l.Zap.ErrorOutputPaths, wd)
	return nil
}

// Logger builds a logger. With rotation enabled, every file path is written through lumberjack.
func (l *Log) Logger() (*zap.Logger, error) {
	if !l.EnableRotation {
		logger, err := l.Zap.Build()
		if err != nil {
			return nil, errors.Wrap(err, "build logger")
		}
		return logger, nil
	}

	enc, err := l.encoder()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	sinks := make(map[string]zapcore.WriteSyncer)
	out, err := l.open(sinks, l.Zap.OutputPaths)
	if err != nil {
		return nil, errors.Wrap(err, "open output")
	}
	errOut, err := l.open(sinks, l.Zap.ErrorOutputPaths)
	if err != nil {
		return nil, errors.Wrap(err, "open error output")
	}

	core := zapcore.NewCore(enc, out, l.Zap.Level)
	return zap.New(core, l.options(errOut)...), nil
}

func (l *Log) encoder() (zapcore.Encoder, error) {
	switch l.Zap.Encoding {
	case "json":
		return zapcore.NewJSONEncoder(l.Zap.EncoderConfig), nil
	case "console":
		return zapcore.NewConsoleEncoder(l.Zap.EncoderConfig), nil
	default:
		return nil, errors.Errorf("unknown encoding `%s`", l.Zap.Encoding)
	}
}

// open combines paths into one syncer. A path seen before reuses its sink so that one file is never
// rotated by two writers.
func (l *Log) open(sinks map[string]zapcore.WriteSyncer, paths []string) (zapcore.WriteSyncer, error) {
	syncers := make([]zapcore.WriteSyncer, 0, len(paths))
	for _, path := range paths {
		ws, ok := sinks[path]
		if !ok {
			var err error
			ws, err = l.sink(path)
			if err != nil {
				return nil, err
			}
			sinks[path] = ws
		}
		syncers = append(syncers, ws)
	}
	return zapcore.NewMultiWriteSyncer(syncers...), nil
}

func (l *Log) sink(path string) (zapcore.WriteSyncer, error) {
	if isStdPath(path) {
		ws, _, err := zap.Open(path)
		return ws, errors.Wrapf(err, "open %s", path)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    l.Rotate.MaxSize,
		MaxAge:     l.Rotate.MaxAge,
		MaxBackups: l.Rotate.MaxBackups,
		LocalTime:  l.Rotate.LocalTime,
		Compress:   l.Rotate.Compress,
	}), nil
}

// options follows what zap.Config.Build applies on top of the core.
func (l *Log) options(errOut zapcore.WriteSyncer) []zap.Option {
	opts := []zap.Option{zap.ErrorOutput(errOut)}
	if l.Zap.Development {
		opts = append(opts, zap.Development())
	}
	if !l.Zap.DisableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if !l.Zap.DisableStacktrace {
		stackLevel := zapcore.ErrorLevel
		if l.Zap.Development {
			stackLevel = zapcore.WarnLevel
		}
		opts = append(opts, zap.AddStacktrace(stackLevel))
	}
	if s := l.Zap.Sampling; s != nil {
		opts = append(opts, zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewSamplerWithOptions(core, time.Second, s.Initial, s.Thereafter)
		}))
	}
	if len(l.Zap.InitialFields) > 0 {
		fields := make([]zap.Field, 0, len(l.Zap.InitialFields))
		for k, v := range l.Zap.InitialFields {
			fields = append(fields, zap.Any(k, v))
		}
		opts = append(opts, zap.Fields(fields...))
	}
	return opts
}

func logConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("log-level", _defaultLogLevel, "the minimum enabled logging level")
	fs.StringSlice("log-zap-output-paths", _defaultLogZapOutputPaths, "a list of URLs or file paths to write logging output to")
	fs.StringSlice("log-zap-error-output-paths", []string{}, "a list of URLs to write internal logger errors to (default ${log-zap-output-paths})")
	fs.String("log-zap-encoding", _defaultLogZapEncoding, "the logger's encoding, \"json\" or \"console\"")
	fs.Bool("log-enable-rotation", _defaultLogEnableRotation, "whether to enable log rotation")
	fs.Int("log-rotate-max-size", _defaultLogRotateMaxSize, "maximum size in megabytes of the log file before it gets rotated")
	fs.Int("log-rotate-max-age", _defaultLogRotateMaxAge, "maximum number of days to retain old log files based on the timestamp encoded in their filename")
	fs.Int("log-rotate-max-backups", _defaultLogRotateMaxBackups, "maximum number of old log files to retain (zero to retain all)")
	fs.Bool("log-rotate-local-time", _defaultLogRotateLocalTime, "whether backup file names use the local time instead of UTC")
	fs.Bool("log-rotate-compress", _defaultLogRotateCompress, "whether the rotated log files should be compressed using gzip")
	_ = v.BindPFlag("log.level", fs.Lookup("log-level"))
	_ = v.BindPFlag("log.zap.outputPaths", fs.Lookup("log-zap-output-paths"))
	_ = v.BindPFlag("log.zap.errorOutputPaths", fs.Lookup("log-zap-error-output-paths"))
	_ = v.BindPFlag("log.zap.encoding", fs.Lookup("log-zap-encoding"))
	_ = v.BindPFlag("log.enableRotation", fs.Lookup("log-enable-rotation"))
	_ = v.BindPFlag("log.rotate.maxSize", fs.Lookup("log-rotate-max-size"))
	_ = v.BindPFlag("log.rotate.maxAge", fs.Lookup("log-rotate-max-age"))
	_ = v.BindPFlag("log.rotate.maxBackups", fs.Lookup("log-rotate-max-backups"))
	_ = v.BindPFlag("log.rotate.localTime", fs.Lookup("log-rotate-local-time"))
	_ = v.BindPFlag("log.rotate.compress", fs.Lookup("log-rotate-compress"))
}

// encodeCaller keeps the last _callerDepth directories of the file path, e.g. "pkg/mux/client.go:42".
func encodeCaller(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
	switch idx := indexByteBackward(caller.File, '/', _callerDepth+1); {
	case !caller.Defined:
		enc.AppendString("<unknown>")
	case idx < 0:
		enc.AppendString(caller.FullPath())
	default:
		buf := _bufPool.Get()
		buf.AppendString(caller.File[idx+1:])
		buf.AppendByte(':')
		buf.AppendInt(int64(caller.Line))
		enc.AppendString(buf.String())
		buf.Free()
	}
}

// indexByteBackward returns the index of the cnt-th c counted from the end of s, or -1.
// A cnt of zero yields len(s).
func indexByteBackward(s string, c byte, cnt int) int {
	idx := len(s)
	for ; cnt > 0; cnt-- {
		if idx = strings.LastIndexByte(s[:idx], c); idx < 0 {
			return -1
		}
	}
	return idx
}

// Rotate mirrors the rotation settings of lumberjack.Logger
type Rotate struct {
	// MaxSize is the maximum size in megabytes of the log file before it gets rotated.
	MaxSize int
	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int
	// MaxBackups is the maximum number of old log files to retain. Zero retains all of them.
	MaxBackups int
	// LocalTime makes backup file names use the local time instead of UTC.
	LocalTime bool
	// Compress gzips rotated files.
	Compress bool
}

func isStdPath(path string) bool {
	return path == "stdout" || path == "stderr"
}

func absPaths(paths []string, wd string) []string {
	res := make([]string, len(paths))
	for i, path := range paths {
		if !isStdPath(path) && !filepath.IsAbs(path) {
			path = filepath.Join(wd, path)
		}
		res[i] = path
	}
	return res
}
