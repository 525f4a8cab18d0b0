package archive

import (
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/basekick-labs/querybench/internal/bench"
)

// Samples are written in batches of this many rows.
const arrowBatchSize = 4096

// SampleSchema is the column layout of samples.arrow.
var SampleSchema = arrow.NewSchema([]arrow.Field{
	{Name: "query_id", Type: arrow.BinaryTypes.String},
	{Name: "backend", Type: arrow.BinaryTypes.String},
	{Name: "run", Type: arrow.PrimitiveTypes.Int32},
	{Name: "reference", Type: arrow.FixedWidthTypes.Timestamp_us},
	{Name: "latency_ms", Type: arrow.PrimitiveTypes.Float64},
	{Name: "success", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "category", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "error", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

// WriteSamples encodes samples as an Arrow IPC stream. Failed samples carry
// their category and error; successful ones leave both null.
func WriteSamples(w io.Writer, samples []bench.Sample) error {
	mem := memory.NewGoAllocator()
	writer := ipc.NewWriter(w, ipc.WithSchema(SampleSchema), ipc.WithAllocator(mem))

	b := array.NewRecordBuilder(mem, SampleSchema)
	defer b.Release()

	flush := func() error {
		rec := b.NewRecord()
		defer rec.Release()
		return writer.Write(rec)
	}

	rows := 0
	for _, s := range samples {
		b.Field(0).(*array.StringBuilder).Append(s.QueryID)
		b.Field(1).(*array.StringBuilder).Append(s.Backend)
		b.Field(2).(*array.Int32Builder).Append(int32(s.Run))
		b.Field(3).(*array.TimestampBuilder).Append(arrow.Timestamp(s.Reference.UTC().UnixMicro()))
		b.Field(4).(*array.Float64Builder).Append(float64(s.Latency.Microseconds()) / 1000.0)
		b.Field(5).(*array.BooleanBuilder).Append(s.Success)
		if s.Success {
			b.Field(6).AppendNull()
			b.Field(7).AppendNull()
		} else {
			b.Field(6).(*array.StringBuilder).Append(string(s.Category))
			b.Field(7).(*array.StringBuilder).Append(s.Error)
		}

		rows++
		if rows == arrowBatchSize {
			if err := flush(); err != nil {
				writer.Close()
				return err
			}
			rows = 0
		}
	}
	if rows > 0 {
		if err := flush(); err != nil {
			writer.Close()
			return err
		}
	}
	return writer.Close()
}
