package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/atlasbridge/atlasbridge/internal/types"
)

// Result reports a verification walk. A break identifies the first record
// whose hash or linkage fails; everything before it is intact (the chain's
// prefix property).
type Result struct {
	OK             bool   `json:"ok"`
	Records        int    `json:"records"`
	FirstBrokenSeq int64  `json:"first_broken_seq,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// VerifyFile walks a single log file. The first record's prev_hash is taken
// as the segment anchor; use VerifyChain to enforce linkage across segments.
func VerifyFile(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	res := &Result{OK: true}
	_, _, err = verifyStream(f, res, "", 0)
	return res, err
}

// VerifyChain walks segments in order as one chain, requiring the very first
// record to anchor at genesis and linkage to continue across files.
func VerifyChain(paths []string) (*Result, error) {
	res := &Result{OK: true}
	prevHash := GenesisHash
	prevSeq := int64(0)
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		prevHash, prevSeq, err = verifyStream(f, res, prevHash, prevSeq)
		f.Close()
		if err != nil {
			return nil, err
		}
		if !res.OK {
			return res, nil
		}
	}
	return res, nil
}

// VerifyStateDir verifies the rotated segments plus the live log of a state
// directory as one chain.
func VerifyStateDir(dir string) (*Result, error) {
	paths, err := ChainFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return &Result{OK: true}, nil
	}
	return VerifyChain(paths)
}

// ChainFiles lists a state directory's audit segments in chain order,
// rotated segments first (their names sort chronologically), live log last.
func ChainFiles(dir string) ([]string, error) {
	segments, err := filepath.Glob(filepath.Join(dir, "audit-*.log"))
	if err != nil {
		return nil, err
	}
	sort.Strings(segments)
	live := filepath.Join(dir, LogFileName)
	if _, err := os.Stat(live); err == nil {
		segments = append(segments, live)
	}
	return segments, nil
}

// verifyStream walks one file. anchor == "" means the first record's
// prev_hash is trusted as the segment anchor; otherwise it must match.
func verifyStream(f *os.File, res *Result, anchor string, prevSeq int64) (string, int64, error) {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	prevHash := anchor
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev types.AuditEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			res.OK = false
			res.FirstBrokenSeq = prevSeq + 1
			res.Reason = fmt.Sprintf("record after seq %d is not valid JSON", prevSeq)
			return prevHash, prevSeq, nil
		}

		want, err := HashEvent(ev)
		if err != nil {
			return prevHash, prevSeq, err
		}
		if ev.Hash != want {
			res.OK = false
			res.FirstBrokenSeq = ev.Seq
			res.Reason = "hash mismatch"
			return prevHash, prevSeq, nil
		}
		if prevHash != "" && ev.PrevHash != prevHash {
			res.OK = false
			res.FirstBrokenSeq = ev.Seq
			res.Reason = "prev_hash linkage broken"
			return prevHash, prevSeq, nil
		}
		if prevSeq != 0 && ev.Seq != prevSeq+1 {
			res.OK = false
			res.FirstBrokenSeq = ev.Seq
			res.Reason = fmt.Sprintf("seq gap after %d", prevSeq)
			return prevHash, prevSeq, nil
		}

		prevHash = ev.Hash
		prevSeq = ev.Seq
		res.Records++
	}
	if err := scanner.Err(); err != nil {
		return prevHash, prevSeq, err
	}
	return prevHash, prevSeq, nil
}
