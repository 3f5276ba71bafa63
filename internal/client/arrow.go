package client

import (
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Attention batches travel as Arrow records with one row per sequence
// position across all (batch, head) pairs: rows = B*H*N. The shape rides
// in the schema metadata so a single record is self-describing.
const (
	MetaBatch   = "bodkin.batch"
	MetaHeads   = "bodkin.heads"
	MetaSeqLen  = "bodkin.seq_len"
	MetaHeadDim = "bodkin.head_dim"
	MetaCausal  = "bodkin.causal"
)

// AttentionBatch is one attention request: flat row-major Q/K/V tensors
// of shape [B*H*N, D] plus the masking flag.
type AttentionBatch struct {
	B, H, N, D int
	Causal     bool
	Q, K, V    []float32
}

// Rows returns the record row count for the batch shape.
func (b AttentionBatch) Rows() int { return b.B * b.H * b.N }

// AttentionResult holds the decoded server reply: the output tensor in
// the same layout as Q, and one log-sum-exp value per row.
type AttentionResult struct {
	O   []float32
	LSE []float32
}

// RecordBuilder assembles attention request and result records.
type RecordBuilder struct {
	mem memory.Allocator
}

func NewRecordBuilder(mem memory.Allocator) *RecordBuilder {
	return &RecordBuilder{mem: mem}
}

// BuildRequest packs a batch into a record with one
// fixed_size_list<float32>[D] column per operand. The tensor buffers are
// wrapped without copying; the caller keeps them alive until the record
// is released.
func (rb *RecordBuilder) BuildRequest(batch AttentionBatch) (arrow.RecordBatch, error) {
	rows := batch.Rows()
	if rows <= 0 || batch.D <= 0 {
		return nil, fmt.Errorf("invalid batch shape B=%d H=%d N=%d D=%d", batch.B, batch.H, batch.N, batch.D)
	}
	want := rows * batch.D
	for _, t := range []struct {
		name string
		vals []float32
	}{{"q", batch.Q}, {"k", batch.K}, {"v", batch.V}} {
		if len(t.vals) != want {
			return nil, fmt.Errorf("%s has %d elements, want %d", t.name, len(t.vals), want)
		}
	}

	causal := "0"
	if batch.Causal {
		causal = "1"
	}
	md := arrow.NewMetadata(
		[]string{MetaBatch, MetaHeads, MetaSeqLen, MetaHeadDim, MetaCausal},
		[]string{strconv.Itoa(batch.B), strconv.Itoa(batch.H), strconv.Itoa(batch.N), strconv.Itoa(batch.D), causal},
	)

	fslType := arrow.FixedSizeListOf(int32(batch.D), arrow.PrimitiveTypes.Float32)
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "q", Type: fslType},
		{Name: "k", Type: fslType},
		{Name: "v", Type: fslType},
	}, &md)

	cols := make([]arrow.Array, 0, 3)
	for _, vals := range [][]float32{batch.Q, batch.K, batch.V} {
		arr := wrapFixedSizeList(vals, rows, batch.D)
		defer arr.Release()
		cols = append(cols, arr)
	}
	return array.NewRecordBatch(schema, cols, int64(rows)), nil
}

// BuildResult packs the output tensor and per-row log-sum-exp values
// into a reply record. len(lse) is the row count; len(o) must be
// len(lse)*d.
func (rb *RecordBuilder) BuildResult(d int, o, lse []float32) (arrow.RecordBatch, error) {
	rows := len(lse)
	if d <= 0 || rows == 0 {
		return nil, fmt.Errorf("empty result: d=%d rows=%d", d, rows)
	}
	if len(o) != rows*d {
		return nil, fmt.Errorf("o has %d elements, want %d", len(o), rows*d)
	}

	fslType := arrow.FixedSizeListOf(int32(d), arrow.PrimitiveTypes.Float32)
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "o", Type: fslType},
		{Name: "lse", Type: arrow.PrimitiveTypes.Float32},
	}, nil)

	oArr := wrapFixedSizeList(o, rows, d)
	defer oArr.Release()

	lseBuilder := array.NewFloat32Builder(rb.mem)
	defer lseBuilder.Release()
	lseBuilder.AppendValues(lse, nil)
	lseArr := lseBuilder.NewArray()
	defer lseArr.Release()

	return array.NewRecordBatch(schema, []arrow.Array{oArr, lseArr}, int64(rows)), nil
}

// wrapFixedSizeList views a flat float32 slice as a
// fixed_size_list<float32>[d] array without copying.
func wrapFixedSizeList(vals []float32, rows, d int) arrow.Array {
	buf := memory.NewBufferBytes(arrow.Float32Traits.CastToBytes(vals))
	valuesData := array.NewData(arrow.PrimitiveTypes.Float32, rows*d, []*memory.Buffer{nil, buf}, nil, 0, 0)
	defer valuesData.Release()

	fslData := array.NewData(
		arrow.FixedSizeListOf(int32(d), arrow.PrimitiveTypes.Float32),
		rows,
		[]*memory.Buffer{nil},
		[]arrow.ArrayData{valuesData},
		0,
		0,
	)
	defer fslData.Release()
	return array.NewFixedSizeListData(fslData)
}

// ParseRequest decodes a request record back into a batch. The returned
// tensor slices alias the record's buffers and are valid only while the
// record is retained.
func ParseRequest(rec arrow.RecordBatch) (AttentionBatch, error) {
	var batch AttentionBatch
	md := rec.Schema().Metadata()

	var err error
	if batch.B, err = metaInt(md, MetaBatch); err != nil {
		return batch, err
	}
	if batch.H, err = metaInt(md, MetaHeads); err != nil {
		return batch, err
	}
	if batch.N, err = metaInt(md, MetaSeqLen); err != nil {
		return batch, err
	}
	if batch.D, err = metaInt(md, MetaHeadDim); err != nil {
		return batch, err
	}
	if idx := md.FindKey(MetaCausal); idx >= 0 {
		batch.Causal = md.Values()[idx] == "1"
	}

	rows := batch.Rows()
	if rows <= 0 || int64(rows) != rec.NumRows() {
		return batch, fmt.Errorf("metadata shape gives %d rows, record has %d", rows, rec.NumRows())
	}

	if batch.Q, err = tensorColumn(rec, "q", rows, batch.D); err != nil {
		return batch, err
	}
	if batch.K, err = tensorColumn(rec, "k", rows, batch.D); err != nil {
		return batch, err
	}
	if batch.V, err = tensorColumn(rec, "v", rows, batch.D); err != nil {
		return batch, err
	}
	return batch, nil
}

// ParseResult decodes a reply record. The returned slices are copies and
// stay valid after the record is released.
func ParseResult(rec arrow.RecordBatch) (*AttentionResult, error) {
	rows := int(rec.NumRows())
	idx := rec.Schema().FieldIndices("lse")
	if len(idx) == 0 {
		return nil, fmt.Errorf("result record has no lse column")
	}
	lseCol, ok := rec.Column(idx[0]).(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("lse column is %T, want float32", rec.Column(idx[0]))
	}

	oIdx := rec.Schema().FieldIndices("o")
	if len(oIdx) == 0 {
		return nil, fmt.Errorf("result record has no o column")
	}
	fsl, ok := rec.Column(oIdx[0]).(*array.FixedSizeList)
	if !ok {
		return nil, fmt.Errorf("o column is %T, want fixed-size list", rec.Column(oIdx[0]))
	}
	d := int(fsl.DataType().(*arrow.FixedSizeListType).Len())
	values, ok := fsl.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("o values are %T, want float32", fsl.ListValues())
	}

	res := &AttentionResult{
		O:   make([]float32, rows*d),
		LSE: make([]float32, rows),
	}
	copy(res.O, values.Float32Values()[:rows*d])
	copy(res.LSE, lseCol.Float32Values()[:rows])
	return res, nil
}

func tensorColumn(rec arrow.RecordBatch, name string, rows, d int) ([]float32, error) {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil, fmt.Errorf("record has no %s column", name)
	}
	fsl, ok := rec.Column(idx[0]).(*array.FixedSizeList)
	if !ok {
		return nil, fmt.Errorf("%s column is %T, want fixed-size list", name, rec.Column(idx[0]))
	}
	if got := int(fsl.DataType().(*arrow.FixedSizeListType).Len()); got != d {
		return nil, fmt.Errorf("%s column has list size %d, want %d", name, got, d)
	}
	values, ok := fsl.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("%s values are %T, want float32", name, fsl.ListValues())
	}
	return values.Float32Values()[:rows*d], nil
}

func metaInt(md arrow.Metadata, key string) (int, error) {
	idx := md.FindKey(key)
	if idx < 0 {
		return 0, fmt.Errorf("schema metadata missing %s", key)
	}
	v, err := strconv.Atoi(md.Values()[idx])
	if err != nil {
		return 0, fmt.Errorf("schema metadata %s: %w", key, err)
	}
	return v, nil
}
