// Package jsonio implements the §6 JSON import/export stream: one
// record per line, lines beginning with # or empty are ignored, and
// each line is either a source record or a block-hash record. This is
// external plumbing around the core stores (DFXML/JSON parsing proper
// is explicitly out of the core's scope); only the field contract is
// normative.
package jsonio

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/bitmark-inc/logger"

	"github.com/dfrws/hashdb/hashdatastore"
	"github.com/dfrws/hashdb/manager"
)

// nameRecord is one (repository, filename) pair attached to a source.
type nameRecord struct {
	RepositoryName string `json:"repository_name"`
	Filename       string `json:"filename"`
}

// record is the union of the two JSON record kinds; BlockHash being
// non-nil distinguishes a block record from a source record.
type record struct {
	FileHash          *string           `json:"file_hash"`
	Filesize          uint64            `json:"filesize"`
	FileType          string            `json:"file_type"`
	NonprobativeCount uint64            `json:"nonprobative_count"`
	Names             []nameRecord      `json:"names"`
	BlockHash         *string           `json:"block_hash"`
	Entropy           float64           `json:"entropy"`
	BlockLabel        string            `json:"block_label"`
	SourceOffsetPairs []json.RawMessage `json:"source_offset_pairs"`
}

// Import reads r line by line and applies every record to im. A line
// that fails to parse, or a record that fails to apply, is counted on
// im.Changes() and reported to log with its line number, the way bulk
// ingest does everywhere else in the core (§6, §7): the stream never
// aborts over one bad record. Only a scanning failure on r itself
// (scanner.Err()) is fatal. log may be nil, in which case rejected
// lines are counted but not reported.
func Import(im *manager.ImportManager, r io.Reader, log *logger.L) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			reject(im, log, lineNumber, "record", err)
			continue
		}
		if err := applyRecord(im, rec); err != nil {
			reject(im, log, lineNumber, fieldOf(rec), err)
			continue
		}
	}
	return scanner.Err()
}

// reject counts one rejected import line and, if log is set, reports
// its line number and offending field the way §6 requires.
func reject(im *manager.ImportManager, log *logger.L, lineNumber int, field string, err error) {
	im.Changes().RecordRejected()
	if log != nil {
		log.Errorf("import: line %d: %s: %s", lineNumber, field, err)
	}
}

// fieldOf names the record field applyRecord will inspect first, for
// error reporting when the record itself is well-formed JSON but
// invalid as a hashdb record.
func fieldOf(rec record) string {
	if rec.BlockHash != nil {
		return "block_hash"
	}
	if rec.FileHash != nil {
		return "file_hash"
	}
	return "record"
}

func applyRecord(im *manager.ImportManager, rec record) error {
	if rec.BlockHash != nil {
		return applyBlockRecord(im, rec)
	}
	if rec.FileHash != nil {
		return applySourceRecord(im, rec)
	}
	return fmt.Errorf("record has neither block_hash nor file_hash")
}

func applySourceRecord(im *manager.ImportManager, rec record) error {
	fileHash, err := hex.DecodeString(*rec.FileHash)
	if err != nil {
		return fmt.Errorf("file_hash: %w", err)
	}
	if err := im.InsertSourceData(fileHash, rec.Filesize, rec.FileType, rec.NonprobativeCount); err != nil {
		return err
	}
	for _, name := range rec.Names {
		if err := im.InsertSourceName(fileHash, name.RepositoryName, name.Filename); err != nil {
			return err
		}
	}
	return nil
}

func applyBlockRecord(im *manager.ImportManager, rec record) error {
	blockHash, err := hex.DecodeString(*rec.BlockHash)
	if err != nil {
		return fmt.Errorf("block_hash: %w", err)
	}
	if len(rec.SourceOffsetPairs)%2 != 0 {
		return fmt.Errorf("source_offset_pairs has odd length")
	}
	for i := 0; i < len(rec.SourceOffsetPairs); i += 2 {
		var fileHashHex string
		if err := json.Unmarshal(rec.SourceOffsetPairs[i], &fileHashHex); err != nil {
			return fmt.Errorf("source_offset_pairs[%d]: %w", i, err)
		}
		fileHash, err := hex.DecodeString(fileHashHex)
		if err != nil {
			return fmt.Errorf("source_offset_pairs[%d]: %w", i, err)
		}
		var offset uint64
		if err := json.Unmarshal(rec.SourceOffsetPairs[i+1], &offset); err != nil {
			return fmt.Errorf("source_offset_pairs[%d]: %w", i+1, err)
		}
		if err := im.InsertHash(blockHash, fileHash, offset, rec.Entropy, rec.BlockLabel); err != nil {
			return err
		}
	}
	return nil
}

// Export writes every source, then every stored block hash with its
// provenance resolved back to file hashes, as one JSON object per
// line. A block hash is written using whatever form the store keeps
// it in (§4.6, possibly truncated by hash_truncation) rather than the
// original full hash, which the store never retains.
func Export(sm *manager.ScanManager, w io.Writer) error {
	encoder := json.NewEncoder(w)

	sources, err := sm.Sources()
	if err != nil {
		return err
	}
	fileHashByID := make(map[uint64]string, len(sources))
	for _, s := range sources {
		fileHashByID[s.SourceID] = hex.EncodeToString(s.FileHash)
		names := make([]nameRecord, 0, len(s.Names))
		for _, n := range s.Names {
			names = append(names, nameRecord{RepositoryName: n.RepositoryName, Filename: n.Filename})
		}
		rec := record{
			FileHash:          strPtr(hex.EncodeToString(s.FileHash)),
			Filesize:          s.Filesize,
			FileType:          s.FileType,
			NonprobativeCount: s.NonprobativeCount,
			Names:             names,
		}
		if err := encoder.Encode(rec); err != nil {
			return err
		}
	}

	sectorSize := sm.SectorSize()
	return sm.HashTable(func(row hashdatastore.Record) error {
		pairs := make([]json.RawMessage, 0, 2*len(row.Entries))
		for _, e := range row.Entries {
			fh := fileHashByID[e.SourceID]
			pairs = append(pairs, json.RawMessage(strconv.Quote(fh)))
			pairs = append(pairs, json.RawMessage(strconv.FormatUint(e.OffsetIndex*sectorSize, 10)))
		}
		rec := record{
			BlockHash:         strPtr(hex.EncodeToString(row.HashKey)),
			SourceOffsetPairs: pairs,
		}
		return encoder.Encode(rec)
	})
}

func strPtr(s string) *string { return &s }
