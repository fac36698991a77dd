// Package export writes loaded tables to Snappy-compressed parquet files in a
// hive-style layout:
//
//	songs/year=<y>/artist_id=<id>/part-00000.parquet
//	artists/part-00000.parquet
//	users/part-00000.parquet
//	time/year=<y>/month=<m>/part-00000.parquet
//	songplays/year=<y>/month=<m>/part-00000.parquet
//
// Partition columns are kept inside the files too.
package export

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	pq "github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/writer"

	"sparkify/internal/schema"
	"sparkify/internal/storage"
)

const partFile = "part-00000.parquet"

type songRow struct {
	SongID   string  `parquet:"name=song_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Title    string  `parquet:"name=title, type=BYTE_ARRAY, convertedtype=UTF8"`
	ArtistID string  `parquet:"name=artist_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Year     int32   `parquet:"name=year, type=INT32"`
	Duration float64 `parquet:"name=duration, type=DOUBLE"`
}

type artistRow struct {
	ArtistID  string   `parquet:"name=artist_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Name      string   `parquet:"name=name, type=BYTE_ARRAY, convertedtype=UTF8"`
	Location  string   `parquet:"name=location, type=BYTE_ARRAY, convertedtype=UTF8"`
	Latitude  *float64 `parquet:"name=latitude, type=DOUBLE, repetitiontype=OPTIONAL"`
	Longitude *float64 `parquet:"name=longitude, type=DOUBLE, repetitiontype=OPTIONAL"`
}

type userRow struct {
	UserID    int64  `parquet:"name=user_id, type=INT64"`
	FirstName string `parquet:"name=first_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	LastName  string `parquet:"name=last_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	Gender    string `parquet:"name=gender, type=BYTE_ARRAY, convertedtype=UTF8"`
	Level     string `parquet:"name=level, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type timeRow struct {
	StartTime int64  `parquet:"name=start_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Hour      int32  `parquet:"name=hour, type=INT32"`
	Day       int32  `parquet:"name=day, type=INT32"`
	Week      int32  `parquet:"name=week, type=INT32"`
	Month     int32  `parquet:"name=month, type=INT32"`
	Year      int32  `parquet:"name=year, type=INT32"`
	Weekday   string `parquet:"name=weekday, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type songplayRow struct {
	SongplayID int64   `parquet:"name=songplay_id, type=INT64"`
	StartTime  int64   `parquet:"name=start_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	UserID     int64   `parquet:"name=user_id, type=INT64"`
	Level      string  `parquet:"name=level, type=BYTE_ARRAY, convertedtype=UTF8"`
	SongID     *string `parquet:"name=song_id, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	ArtistID   *string `parquet:"name=artist_id, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	SessionID  int64   `parquet:"name=session_id, type=INT64"`
	Location   string  `parquet:"name=location, type=BYTE_ARRAY, convertedtype=UTF8"`
	UserAgent  string  `parquet:"name=user_agent, type=BYTE_ARRAY, convertedtype=UTF8"`
	RowHash    string  `parquet:"name=row_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// converter maps one snapshot row to its partition path and parquet row.
type converter struct {
	proto   any
	convert func(v []any) (partition string, row any)
}

var converters = map[string]converter{
	schema.Songs: {new(songRow), func(v []any) (string, any) {
		r := songRow{SongID: str(v[0]), Title: str(v[1]), ArtistID: str(v[2]), Year: int32(num(v[3])), Duration: flt(v[4])}
		return partition("year", strconv.Itoa(int(r.Year)), "artist_id", r.ArtistID), r
	}},
	schema.Artists: {new(artistRow), func(v []any) (string, any) {
		return "", artistRow{ArtistID: str(v[0]), Name: str(v[1]), Location: str(v[2]), Latitude: fltPtr(v[3]), Longitude: fltPtr(v[4])}
	}},
	schema.Users: {new(userRow), func(v []any) (string, any) {
		return "", userRow{UserID: num(v[0]), FirstName: str(v[1]), LastName: str(v[2]), Gender: str(v[3]), Level: str(v[4])}
	}},
	schema.Time: {new(timeRow), func(v []any) (string, any) {
		r := timeRow{
			StartTime: millis(v[0]), Hour: int32(num(v[1])), Day: int32(num(v[2])), Week: int32(num(v[3])),
			Month: int32(num(v[4])), Year: int32(num(v[5])), Weekday: str(v[6]),
		}
		return partition("year", strconv.Itoa(int(r.Year)), "month", strconv.Itoa(int(r.Month))), r
	}},
	schema.Songplays: {new(songplayRow), func(v []any) (string, any) {
		r := songplayRow{
			SongplayID: num(v[0]), StartTime: millis(v[1]), UserID: num(v[2]), Level: str(v[3]),
			SongID: strPtr(v[4]), ArtistID: strPtr(v[5]), SessionID: num(v[6]),
			Location: str(v[7]), UserAgent: str(v[8]), RowHash: str(v[9]),
		}
		t := time.UnixMilli(r.StartTime).UTC()
		return partition("year", strconv.Itoa(t.Year()), "month", strconv.Itoa(int(t.Month()))), r
	}},
}

// Summary lists what an export wrote.
type Summary struct {
	Files []string         `json:"files"`
	Rows  map[string]int64 `json:"rows"`
}

// Parquet exports every table in specs below dir. Each table is read with one
// snapshot and grouped by partition before writing.
func Parquet(ctx context.Context, snap storage.Snapshotter, specs []storage.TableSpec, dir string) (Summary, error) {
	sum := Summary{Rows: map[string]int64{}}
	for _, spec := range specs {
		conv, ok := converters[spec.Name]
		if !ok {
			return sum, fmt.Errorf("export: no parquet layout for table %q", spec.Name)
		}

		parts := map[string][]any{}
		err := snap.Snapshot(ctx, spec, func(v []any) error {
			p, row := conv.convert(v)
			parts[p] = append(parts[p], row)
			return nil
		})
		if err != nil {
			return sum, fmt.Errorf("export: read %s: %w", spec.Name, err)
		}

		keys := make([]string, 0, len(parts))
		for k := range parts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			path := filepath.Join(dir, spec.Name, filepath.FromSlash(k), partFile)
			if err := writeFile(path, conv.proto, parts[k]); err != nil {
				return sum, err
			}
			sum.Files = append(sum.Files, path)
			sum.Rows[spec.Name] += int64(len(parts[k]))
		}
	}
	return sum, nil
}

func writeFile(path string, proto any, rows []any) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("export: mkdir: %w", err)
	}
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", path, err)
	}
	defer func() {
		if cerr := fw.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("export: close %s: %w", path, cerr)
		}
	}()

	pw, err := writer.NewParquetWriter(fw, proto, 4)
	if err != nil {
		return fmt.Errorf("export: parquet writer %s: %w", path, err)
	}
	pw.CompressionType = pq.CompressionCodec_SNAPPY

	for _, r := range rows {
		if err := pw.Write(r); err != nil {
			return fmt.Errorf("export: write %s: %w", path, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("export: finish %s: %w", path, err)
	}
	return nil
}

// partition renders k1=v1/k2=v2 with values path-escaped.
func partition(kv ...string) string {
	out := ""
	for i := 0; i+1 < len(kv); i += 2 {
		if out != "" {
			out += "/"
		}
		out += kv[i] + "=" + url.PathEscape(kv[i+1])
	}
	return out
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	}
	return fmt.Sprint(v)
}

func strPtr(v any) *string {
	if v == nil {
		return nil
	}
	s := str(v)
	return &s
}

func num(v any) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case float64:
		return int64(t)
	}
	return 0
}

func flt(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int64:
		return float64(t)
	}
	return 0
}

func fltPtr(v any) *float64 {
	if v == nil {
		return nil
	}
	f := flt(v)
	return &f
}

func millis(v any) int64 {
	if t, ok := v.(time.Time); ok {
		return t.UnixMilli()
	}
	return 0
}
