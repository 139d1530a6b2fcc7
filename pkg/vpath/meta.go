package vpath

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/ffenv/pkg/failure"
)

// Encoded names have the form
//
//	<modifiedMillis>_v1.<base64url(JSON)>[.<ext>]
//
// The leading timestamp keeps names sortable by write time. The version tag
// lets future encodings coexist with names already on disk. The base64url
// alphabet has neither '/' nor '.', so the payload is always one segment and
// its end is unambiguous.
const (
	metaVersion   = "v1"
	metaSeparator = "_"
	extSeparator  = "."
)

// Meta keys stamped by NameWithEncodedMeta.
const (
	MetaCreated  = "created"
	MetaModified = "modified"
)

var metaEncoding = base64.RawURLEncoding

// nowFunc is the clock used to stamp metadata.
var nowFunc = time.Now

// Meta is an arbitrary JSON-serializable record embedded in a file name.
//
// created and modified hold unix milliseconds.
type Meta map[string]any

// Created returns the created timestamp, or the zero time if absent.
func (m Meta) Created() time.Time {
	return m.millis(MetaCreated)
}

// Modified returns the modified timestamp, or the zero time if absent.
func (m Meta) Modified() time.Time {
	return m.millis(MetaModified)
}

func (m Meta) millis(key string) time.Time {
	ms, ok := toMillis(m[key])
	if !ok {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Hint selects the optional extension appended to an encoded name.
//
// Ext wins over Mime. With Mime set, its minor type is used (video/mp4 → mp4).
type Hint struct {
	Ext  string
	Mime string
}

func (h Hint) extension() (string, error) {
	ext := strings.TrimPrefix(strings.TrimSpace(h.Ext), extSeparator)
	if ext == "" && h.Mime != "" {
		if mt, ok := MimeOf(h.Mime); ok {
			ext = mt.Minor
		}
	}
	if strings.Contains(ext, Delimiter) {
		return "", fmt.Errorf("vpath: extension %q contains %q", ext, Delimiter)
	}
	return ext, nil
}

// NameWithEncodedMeta builds a path in tier whose name encodes meta.
//
// The record is copied and stamped: modified is set to now and created
// defaults to modified when the record has none.
func NameWithEncodedMeta(tier Tier, meta Meta, hint Hint) (string, error) {
	if !tier.Valid() {
		return "", fmt.Errorf("vpath: unknown tier %q", tier)
	}
	ext, err := hint.extension()
	if err != nil {
		return "", err
	}

	at := nowFunc().UnixMilli()
	stamped := make(Meta, len(meta)+2)
	for k, v := range meta {
		stamped[k] = v
	}
	stamped[MetaModified] = at
	if _, ok := toMillis(stamped[MetaCreated]); !ok {
		stamped[MetaCreated] = at
	}

	raw, err := json.Marshal(stamped)
	if err != nil {
		return "", fmt.Errorf("vpath: marshal meta: %w", err)
	}

	name := strconv.FormatInt(at, 10) + metaSeparator + metaVersion + extSeparator + metaEncoding.EncodeToString(raw)
	if ext != "" {
		name += extSeparator + ext
	}
	return PathOf(tier, name)
}

// DecodeMeta recovers the record encoded by NameWithEncodedMeta.
//
// It accepts a full path or a bare name. Malformed names fail with a
// DecodeFailure.
func DecodeMeta(path string) (Meta, error) {
	name := NameOf(path)

	stamp, rest, ok := strings.Cut(name, metaSeparator)
	if !ok {
		return nil, decodeFailure(path, "missing timestamp separator", nil)
	}
	if _, err := strconv.ParseInt(stamp, 10, 64); err != nil {
		return nil, decodeFailure(path, "invalid timestamp prefix", err)
	}

	version, payload, ok := strings.Cut(rest, extSeparator)
	if !ok {
		return nil, decodeFailure(path, "missing version tag", nil)
	}
	if version != metaVersion {
		return nil, decodeFailure(path, fmt.Sprintf("unsupported encoding version %q", version), nil)
	}
	payload, _, _ = strings.Cut(payload, extSeparator)

	raw, err := metaEncoding.DecodeString(payload)
	if err != nil {
		return nil, decodeFailure(path, "invalid payload encoding", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var meta Meta
	if err := dec.Decode(&meta); err != nil {
		return nil, decodeFailure(path, "invalid payload json", err)
	}
	if meta == nil {
		return nil, decodeFailure(path, "payload is not an object", nil)
	}
	for k, v := range meta {
		meta[k] = fromNumbers(v)
	}
	for _, key := range []string{MetaCreated, MetaModified} {
		if ms, ok := toMillis(meta[key]); ok {
			meta[key] = ms
		}
	}
	return meta, nil
}

func decodeFailure(path, message string, err error) error {
	return (&failure.Error{Kind: failure.KindDecode, Op: "decode_meta", Message: message, Err: err}).WithPath(path)
}

// fromNumbers replaces json.Number values with int64 when they are integral
// and float64 otherwise, so large integers survive decoding intact.
func fromNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		for k, e := range x {
			x[k] = fromNumbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = fromNumbers(e)
		}
		return x
	default:
		return v
	}
}

func toMillis(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	case json.Number:
		n, err := x.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// Mime is a parsed major/minor media type with optional codec list.
type Mime struct {
	Major  string
	Minor  string
	Codecs []string
}

// MimeOf splits a "major/minor[;codecs=...]" string.
//
// Codecs is nil unless a codecs parameter is present. Quoted and unquoted
// codec lists are both accepted.
func MimeOf(s string) (Mime, bool) {
	typ, params, _ := strings.Cut(s, ";")
	major, minor, ok := strings.Cut(strings.TrimSpace(typ), "/")
	major, minor = strings.TrimSpace(major), strings.TrimSpace(minor)
	if !ok || major == "" || minor == "" {
		return Mime{}, false
	}

	mt := Mime{Major: major, Minor: minor}
	for _, param := range splitParams(params) {
		key, value, ok := strings.Cut(param, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "codecs") {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		codecs := []string{}
		for _, c := range strings.Split(value, ",") {
			if c = strings.TrimSpace(c); c != "" {
				codecs = append(codecs, c)
			}
		}
		mt.Codecs = codecs
	}
	return mt, true
}

// splitParams splits on ';' outside double quotes.
func splitParams(s string) []string {
	var out []string
	var cur bytes.Buffer
	quoted := false
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			cur.WriteRune(r)
		case r == ';' && !quoted:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
