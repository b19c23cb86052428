package txnlog

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/OneOfOne/xxhash"

	"github.com/sushant-115/toriidb/core/storage_engine/kvstore"
)

// RecordKind defines the transaction state transition a record captures.
type RecordKind byte

const (
	RecordBegin RecordKind = iota + 1
	RecordWrite
	RecordCommitPending
	RecordCommit
	RecordAbort
)

func (k RecordKind) String() string {
	switch k {
	case RecordBegin:
		return "BEGIN"
	case RecordWrite:
		return "WRITE"
	case RecordCommitPending:
		return "COMMIT_PENDING"
	case RecordCommit:
		return "COMMIT"
	case RecordAbort:
		return "ABORT"
	default:
		return "UNKNOWN"
	}
}

// Record is a single entry in the transaction log. Seq is assigned by the
// LogManager at append time and is monotonic across all regions it serves.
// Mutations is only populated for RecordWrite entries.
type Record struct {
	Seq       uint64
	TxnID     uint64
	Timestamp int64 // UnixNano, assigned at append time
	Kind      RecordKind
	RegionID  string
	Mutations []kvstore.Mutation
}

// errCorruptRecord marks a record whose checksum or framing failed. Replay
// treats it like a torn tail: stop cleanly at the last intact record.
var errCorruptRecord = fmt.Errorf("corrupt log record")

// Serialize converts a Record into its on-disk form. The format must stay
// stable across versions for recovery to work.
func (r *Record) Serialize() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, r.Seq); err != nil {
		return nil, fmt.Errorf("failed to serialize Seq: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, r.TxnID); err != nil {
		return nil, fmt.Errorf("failed to serialize TxnID: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, r.Timestamp); err != nil {
		return nil, fmt.Errorf("failed to serialize Timestamp: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, r.Kind); err != nil {
		return nil, fmt.Errorf("failed to serialize Kind: %w", err)
	}

	region := []byte(r.RegionID)
	if len(region) > int(^uint16(0)) {
		return nil, fmt.Errorf("region id too long: %d bytes", len(region))
	}
	if err := binary.Write(buf, binary.LittleEndian, uint16(len(region))); err != nil {
		return nil, fmt.Errorf("failed to serialize region length: %w", err)
	}
	buf.Write(region)

	if len(r.Mutations) > int(^uint16(0)) {
		return nil, fmt.Errorf("too many mutations in one record: %d", len(r.Mutations))
	}
	if err := binary.Write(buf, binary.LittleEndian, uint16(len(r.Mutations))); err != nil {
		return nil, fmt.Errorf("failed to serialize mutation count: %w", err)
	}
	for _, m := range r.Mutations {
		if err := binary.Write(buf, binary.LittleEndian, byte(m.Kind)); err != nil {
			return nil, fmt.Errorf("failed to serialize mutation kind: %w", err)
		}
		key := []byte(m.Key)
		if len(key) > int(^uint16(0)) {
			return nil, fmt.Errorf("mutation key too long: %d bytes", len(key))
		}
		if err := binary.Write(buf, binary.LittleEndian, uint16(len(key))); err != nil {
			return nil, fmt.Errorf("failed to serialize key length: %w", err)
		}
		buf.Write(key)
		if err := binary.Write(buf, binary.LittleEndian, uint32(len(m.Value))); err != nil {
			return nil, fmt.Errorf("failed to serialize value length: %w", err)
		}
		buf.Write(m.Value)
	}

	// Trailing checksum over everything above.
	sum := xxhash.Checksum64(buf.Bytes())
	if err := binary.Write(buf, binary.LittleEndian, sum); err != nil {
		return nil, fmt.Errorf("failed to serialize checksum: %w", err)
	}
	return buf.Bytes(), nil
}

// readRecord reads one record from the reader. It returns io.EOF at a clean
// record boundary and errCorruptRecord (possibly wrapped) for a torn or
// damaged record.
func readRecord(reader *bufio.Reader, r *Record) error {
	// Fixed header: Seq, TxnID, Timestamp, Kind.
	fixed := make([]byte, 8+8+8+1)
	if _, err := io.ReadFull(reader, fixed); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("%w: short header: %v", errCorruptRecord, err)
	}
	body := bytes.NewBuffer(fixed)

	r.Seq = binary.LittleEndian.Uint64(fixed[0:8])
	r.TxnID = binary.LittleEndian.Uint64(fixed[8:16])
	r.Timestamp = int64(binary.LittleEndian.Uint64(fixed[16:24]))
	r.Kind = RecordKind(fixed[24])

	region, err := readLenPrefixed16(reader, body)
	if err != nil {
		return fmt.Errorf("%w: region: %v", errCorruptRecord, err)
	}
	r.RegionID = string(region)

	countBuf := make([]byte, 2)
	if _, err := io.ReadFull(reader, countBuf); err != nil {
		return fmt.Errorf("%w: mutation count: %v", errCorruptRecord, err)
	}
	body.Write(countBuf)
	count := binary.LittleEndian.Uint16(countBuf)

	r.Mutations = r.Mutations[:0]
	for i := 0; i < int(count); i++ {
		kindBuf := make([]byte, 1)
		if _, err := io.ReadFull(reader, kindBuf); err != nil {
			return fmt.Errorf("%w: mutation kind: %v", errCorruptRecord, err)
		}
		body.Write(kindBuf)

		key, err := readLenPrefixed16(reader, body)
		if err != nil {
			return fmt.Errorf("%w: mutation key: %v", errCorruptRecord, err)
		}

		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(reader, lenBuf); err != nil {
			return fmt.Errorf("%w: value length: %v", errCorruptRecord, err)
		}
		body.Write(lenBuf)
		valLen := binary.LittleEndian.Uint32(lenBuf)
		val := make([]byte, valLen)
		if _, err := io.ReadFull(reader, val); err != nil {
			return fmt.Errorf("%w: value: %v", errCorruptRecord, err)
		}
		body.Write(val)

		r.Mutations = append(r.Mutations, kvstore.Mutation{
			Kind: kvstore.MutationKind(kindBuf[0]),
			Key:  string(key),
			Value: func() []byte {
				if valLen == 0 {
					return nil
				}
				return val
			}(),
		})
	}

	sumBuf := make([]byte, 8)
	if _, err := io.ReadFull(reader, sumBuf); err != nil {
		return fmt.Errorf("%w: checksum: %v", errCorruptRecord, err)
	}
	if got, want := xxhash.Checksum64(body.Bytes()), binary.LittleEndian.Uint64(sumBuf); got != want {
		return fmt.Errorf("%w: checksum mismatch (got %x want %x)", errCorruptRecord, got, want)
	}
	return nil
}

// readLenPrefixed16 reads a uint16 length then that many bytes, mirroring
// the raw bytes into body for checksum verification.
func readLenPrefixed16(reader *bufio.Reader, body *bytes.Buffer) ([]byte, error) {
	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(reader, lenBuf); err != nil {
		return nil, err
	}
	body.Write(lenBuf)
	n := binary.LittleEndian.Uint16(lenBuf)
	data := make([]byte, n)
	if _, err := io.ReadFull(reader, data); err != nil {
		return nil, err
	}
	body.Write(data)
	return data, nil
}

// stampNow fills Timestamp if the caller left it zero.
func (r *Record) stampNow() {
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixNano()
	}
}
