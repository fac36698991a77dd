package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"sparkify/internal/record"
)

const maxLineBytes = 16 << 20

// Dir streams every *.json file below Path in lexical path order. Path may
// also name a single file. Hidden directories (".ipynb_checkpoints" and
// friends) are skipped.
//
// A file whose first non-space byte is '[' is read as one JSON array of
// objects. Anything else is read as JSON lines: one object per non-blank
// line, each line parsed on its own so a bad line does not poison the rest.
type Dir struct {
	Path string
}

// NewDir returns a directory source rooted at path.
func NewDir(path string) *Dir { return &Dir{Path: path} }

// Files returns the input files in stream order.
func (d *Dir) Files() ([]string, error) {
	info, err := os.Stat(d.Path)
	if err != nil {
		return nil, fmt.Errorf("source: stat %s: %w", d.Path, err)
	}
	if !info.IsDir() {
		return []string{d.Path}, nil
	}

	var files []string
	err = filepath.WalkDir(d.Path, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() {
			if path != d.Path && strings.HasPrefix(e.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".json") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("source: walk %s: %w", d.Path, err)
	}
	sort.Strings(files)
	return files, nil
}

func (d *Dir) Stream(ctx context.Context, out chan<- Record) error {
	files, err := d.Files()
	if err != nil {
		return err
	}

	var seq int64
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := streamFile(ctx, path, &seq, out); err != nil {
			return err
		}
	}
	return nil
}

func streamFile(ctx context.Context, path string, seq *int64, out chan<- Record) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("source: open %s: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 64<<10)
	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("source: read %s: %w", path, err)
	}

	if first == '[' {
		return streamArray(ctx, path, br, seq, out)
	}
	return streamLines(ctx, path, br, seq, out)
}

// peekNonSpace skips leading whitespace and a UTF-8 BOM and returns the next
// byte without consuming it.
func peekNonSpace(br *bufio.Reader) (byte, error) {
	if bom, err := br.Peek(3); err == nil && bytes.Equal(bom, []byte{0xEF, 0xBB, 0xBF}) {
		_, _ = br.Discard(3)
	}
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		if err := br.UnreadByte(); err != nil {
			return 0, err
		}
		return b, nil
	}
}

func streamLines(ctx context.Context, path string, r io.Reader, seq *int64, out chan<- Record) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)

	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}

		rec := Record{File: path, Line: line, Seq: *seq}
		rec.Raw, rec.Err = decodeObject(b)
		*seq++
		if err := emit(ctx, out, rec); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("source: scan %s: %w", path, err)
	}
	return nil
}

func decodeObject(b []byte) (record.Raw, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", record.ErrDecode, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after object", record.ErrDecode)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: not an object (got %T)", record.ErrDecode, v)
	}
	return record.Raw(obj), nil
}

// streamArray emits each element of a root array. A syntax error ends the
// file: the decoder cannot resynchronise inside an array, so the error is
// emitted as one failed record and the remaining elements are lost.
func streamArray(ctx context.Context, path string, r io.Reader, seq *int64, out chan<- Record) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	if _, err := dec.Token(); err != nil {
		return emit(ctx, out, failed(path, 1, seq, err))
	}

	elem := 0
	for dec.More() {
		elem++
		var v any
		if err := dec.Decode(&v); err != nil {
			return emit(ctx, out, failed(path, elem, seq, err))
		}

		rec := Record{File: path, Line: elem, Seq: *seq}
		if obj, ok := v.(map[string]any); ok {
			rec.Raw = record.Raw(obj)
		} else {
			rec.Err = fmt.Errorf("%w: array element not an object (got %T)", record.ErrDecode, v)
		}
		*seq++
		if err := emit(ctx, out, rec); err != nil {
			return err
		}
	}
	return nil
}

func failed(path string, line int, seq *int64, err error) Record {
	rec := Record{File: path, Line: line, Seq: *seq, Err: fmt.Errorf("%w: %v", record.ErrDecode, err)}
	*seq++
	return rec
}
