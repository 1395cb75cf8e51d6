package httputil

import (
	"net/url"
	"sync"

	"github.com/gorilla/schema"
)

// SchemaEncoder encodes a struct with "schema" tags into query values.
type SchemaEncoder interface {
	Encode(src interface{}) (url.Values, error)
}

// DefaultSchema is a SchemaEncoder backed by gorilla/schema. The zero value is
// ready to use.
type DefaultSchema struct {
	once sync.Once
	enc  *schema.Encoder
}

var _ SchemaEncoder = (*DefaultSchema)(nil)

// Encode implements SchemaEncoder.
func (d *DefaultSchema) Encode(src interface{}) (url.Values, error) {
	d.once.Do(func() { d.enc = schema.NewEncoder() })

	v := url.Values{}
	return v, d.enc.Encode(src, v)
}

// AddQuery merges the schema-encoded src into the query of rawURL.
func AddQuery(enc SchemaEncoder, rawURL string, src interface{}) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	values, err := enc.Encode(src)
	if err != nil {
		return "", err
	}

	q := u.Query()
	for k, vs := range values {
		q[k] = vs
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}
