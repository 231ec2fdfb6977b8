package objectstore

import (
	"io"

	"github.com/parquet-go/parquet-go"

	"github.com/kptdev/gitd/internal/giterrors"
)

// ColdRecord is one archived-object row. Objects reach the cold tier
// once they've aged out of the hot/warm tiers (e.g. superseded objects
// after gc); the columnar layout favors bulk scans ("how much history
// lives in cold storage for repo X") over single-sha point lookups,
// which still go through ObjectIndex -> warm tier first.
type ColdRecord struct {
	SHA        string `parquet:"sha,dict"`
	Kind       string `parquet:"kind,dict"`
	Size       int64  `parquet:"size"`
	ArchivedAt int64  `parquet:"archived_at"` // unix seconds, set by the caller
}

// ColdTierWriter batches ColdRecords into a parquet file written to w.
// Grounded on parquet-go/parquet-go's generic writer, the same library
// the pack's audit-log examples use for columnar event storage.
type ColdTierWriter struct {
	w *parquet.GenericWriter[ColdRecord]
}

func NewColdTierWriter(w io.Writer) *ColdTierWriter {
	return &ColdTierWriter{w: parquet.NewGenericWriter[ColdRecord](w)}
}

func (c *ColdTierWriter) Write(records []ColdRecord) error {
	if _, err := c.w.Write(records); err != nil {
		return giterrors.Wrap(giterrors.CorruptObject, err, "writing cold-tier parquet batch")
	}
	return nil
}

func (c *ColdTierWriter) Close() error {
	if err := c.w.Close(); err != nil {
		return giterrors.Wrap(giterrors.CorruptObject, err, "closing cold-tier parquet writer")
	}
	return nil
}

// ReadColdRecords reads back a parquet file written by ColdTierWriter,
// e.g. to rehydrate TierStats after a restart.
func ReadColdRecords(r io.ReaderAt, size int64) ([]ColdRecord, error) {
	pf, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, giterrors.Wrap(giterrors.CorruptObject, err, "opening cold-tier parquet file")
	}
	reader := parquet.NewGenericReader[ColdRecord](pf)
	defer reader.Close()

	records := make([]ColdRecord, pf.NumRows())
	n, err := reader.Read(records)
	if err != nil && err != io.EOF {
		return nil, giterrors.Wrap(giterrors.CorruptObject, err, "reading cold-tier parquet rows")
	}
	return records[:n], nil
}
