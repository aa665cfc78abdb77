package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/robfig/cron/v3"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "fundingflow/config"
	"fundingflow/internal/metrics"
	"fundingflow/logger"
	"fundingflow/models"
)

// HistoryFile is the name of the parquet file kept under the history directory.
const HistoryFile = "funding_cache.parquet"

// HistoryRow is one persisted funding observation.
type HistoryRow struct {
	Ts                int64  `parquet:"name=ts, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Exchange          string `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol            string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	FundingRate       string `parquet:"name=funding_rate, type=BYTE_ARRAY, convertedtype=UTF8"`
	NextFundingTimeMs int64  `parquet:"name=next_funding_time_ms, type=INT64"`
	Interval          string `parquet:"name=interval, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memFileWriter collects the parquet output in memory so the same bytes can
// be written locally and mirrored to S3.
type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

// HistoryWriter keeps a rolling window of funding observations in a single
// parquet file. Every read-modify-write holds mu, so the refresher and the
// scheduled prune never interleave.
type HistoryWriter struct {
	dir         string
	window      time.Duration
	compression parquet.CompressionCodec
	now         func() time.Time

	s3Client *s3.Client
	bucket   string
	prefix   string

	mu  sync.Mutex
	log *logger.Log
}

// NewHistoryWriter creates the history directory and, when configured, the S3 mirror client.
func NewHistoryWriter(ctx context.Context, cfg appconfig.HistoryConfig) (*HistoryWriter, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	window := cfg.Window
	if window <= 0 {
		window = 8 * time.Hour
	}

	w := &HistoryWriter{
		dir:         cfg.Dir,
		window:      window,
		compression: compressionCodec(cfg.Compression),
		now:         time.Now,
		log:         logger.GetLogger(),
	}

	if cfg.S3.Enabled {
		client, err := newS3Client(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		w.s3Client = client
		w.bucket = cfg.S3.Bucket
		w.prefix = cfg.S3.Prefix
	}

	w.log.WithComponent("history_writer").WithFields(logger.Fields{
		"path":      w.Path(),
		"window":    window.String(),
		"s3_mirror": w.s3Client != nil,
	}).Info("history writer initialized")
	return w, nil
}

func newS3Client(ctx context.Context, cfg appconfig.S3Config) (*s3.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

func compressionCodec(name string) parquet.CompressionCodec {
	switch name {
	case "gzip":
		return parquet.CompressionCodec_GZIP
	case "none", "uncompressed":
		return parquet.CompressionCodec_UNCOMPRESSED
	default:
		return parquet.CompressionCodec_SNAPPY
	}
}

// Path returns the location of the parquet file.
func (w *HistoryWriter) Path() string {
	return filepath.Join(w.dir, HistoryFile)
}

// Name identifies the writer in data flow logs.
func (w *HistoryWriter) Name() string { return "history" }

// Append drops rows that fell out of the window and adds rec.
func (w *HistoryWriter) Append(ctx context.Context, rec models.FundingRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now().UnixMilli()
	rows, err := w.readRows()
	if err != nil {
		w.log.WithComponent("history_writer").WithError(err).Warn("existing history unreadable, starting fresh")
		rows = nil
	}

	rows = w.retain(rows, now)
	rows = append(rows, HistoryRow{
		Ts:                now,
		Exchange:          string(rec.Exchange),
		Symbol:            rec.Symbol,
		FundingRate:       rec.FundingRate,
		NextFundingTimeMs: rec.NextFundingTimeMs,
		Interval:          rec.Interval,
	})

	return w.rewrite(ctx, rows)
}

// Prune rewrites the file without rows that fell out of the window.
func (w *HistoryWriter) Prune(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	rows, err := w.readRows()
	if err != nil {
		return err
	}
	kept := w.retain(rows, w.now().UnixMilli())
	if len(kept) == len(rows) {
		return nil
	}

	w.log.WithComponent("history_writer").WithFields(logger.Fields{
		"removed": len(rows) - len(kept),
		"kept":    len(kept),
	}).Info("pruned history")
	logger.IncrementHistoryPrune()
	return w.rewrite(ctx, kept)
}

// Rows returns the rows currently stored.
func (w *HistoryWriter) Rows() ([]HistoryRow, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.readRows()
}

// StartPruning runs Prune once per window until ctx is done.
func (w *HistoryWriter) StartPruning(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", w.window), func() {
		if err := w.Prune(ctx); err != nil {
			w.log.WithComponent("history_writer").WithError(err).Warn("scheduled prune failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule history prune: %w", err)
	}
	c.Start()

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

// retain keeps rows whose next funding time or write time is inside the window.
func (w *HistoryWriter) retain(rows []HistoryRow, now int64) []HistoryRow {
	cutoff := now - w.window.Milliseconds()
	kept := rows[:0]
	for _, r := range rows {
		if r.NextFundingTimeMs > cutoff || r.Ts > cutoff {
			kept = append(kept, r)
		}
	}
	return kept
}

func (w *HistoryWriter) readRows() ([]HistoryRow, error) {
	p := w.Path()
	if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	fr, err := local.NewLocalFileReader(p)
	if err != nil {
		return nil, fmt.Errorf("open history file: %w", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(HistoryRow), 1)
	if err != nil {
		return nil, fmt.Errorf("read history schema: %w", err)
	}
	defer pr.ReadStop()

	rows := make([]HistoryRow, int(pr.GetNumRows()))
	if len(rows) == 0 {
		return nil, nil
	}
	if err := pr.Read(&rows); err != nil {
		return nil, fmt.Errorf("read history rows: %w", err)
	}
	return rows, nil
}

// rewrite replaces the file atomically through a temp file and rename.
func (w *HistoryWriter) rewrite(ctx context.Context, rows []HistoryRow) error {
	log := w.log.WithComponent("history_writer")

	data, err := w.encode(rows)
	if err != nil {
		metrics.IncrementHistoryWrite(metrics.OutcomeError)
		return fmt.Errorf("encode history: %w", err)
	}

	tmp, err := os.CreateTemp(w.dir, HistoryFile+".*.tmp")
	if err != nil {
		metrics.IncrementHistoryWrite(metrics.OutcomeError)
		return fmt.Errorf("create temp history file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		metrics.IncrementHistoryWrite(metrics.OutcomeError)
		return fmt.Errorf("write temp history file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		metrics.IncrementHistoryWrite(metrics.OutcomeError)
		return fmt.Errorf("close temp history file: %w", err)
	}
	if err := os.Rename(tmpName, w.Path()); err != nil {
		os.Remove(tmpName)
		metrics.IncrementHistoryWrite(metrics.OutcomeError)
		return fmt.Errorf("replace history file: %w", err)
	}

	metrics.IncrementHistoryWrite(metrics.OutcomeOK)
	logger.IncrementHistoryWrite(len(rows))
	log.WithFields(logger.Fields{"rows": len(rows), "bytes": len(data)}).Debug("history file rewritten")

	if w.s3Client != nil {
		if err := w.upload(ctx, data); err != nil {
			log.WithError(err).Warn("history mirror upload failed")
		}
	}
	return nil
}

func (w *HistoryWriter) encode(rows []HistoryRow) ([]byte, error) {
	mw := newMemFileWriter()
	pw, err := writer.NewParquetWriter(mw, new(HistoryRow), 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = w.compression
	for _, r := range rows {
		if err := pw.Write(r); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mw.Bytes(), nil
}

func (w *HistoryWriter) s3Key() string {
	return path.Join(w.prefix, HistoryFile)
}

func (w *HistoryWriter) upload(ctx context.Context, data []byte) error {
	_, err := w.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(w.s3Key()),
		Body:   bytes.NewReader(data),
	})
	return err
}
