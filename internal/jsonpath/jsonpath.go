// Package jsonpath provides a small accessor library over decoded JSON trees
// using jq-style dotted/bracket queries (e.g. "._links.deploymentBase.href").
package jsonpath

import (
	"fmt"
	"sync"

	"github.com/itchyny/gojq"
)

// queryCache avoids re-parsing the same query string on every poll cycle;
// the deployment and poll-response queries are fixed literals called every tick.
var (
	queryCache   = map[string]*gojq.Query{}
	queryCacheMu sync.Mutex
)

func compile(query string) (*gojq.Query, error) {
	queryCacheMu.Lock()
	defer queryCacheMu.Unlock()

	if q, ok := queryCache[query]; ok {
		return q, nil
	}
	q, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("jsonpath: parse %q: %w", query, err)
	}
	queryCache[query] = q
	return q, nil
}

// Get runs query against doc (typically the result of json.Unmarshal into
// interface{}) and returns the first result. A missing intermediate key
// yields (nil, nil), matching jq's null-propagation semantics; a malformed
// query or a type error (e.g. indexing a string) is returned as an error.
func Get(doc interface{}, query string) (interface{}, error) {
	q, err := compile(query)
	if err != nil {
		return nil, err
	}

	iter := q.Run(doc)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, ok := v.(error); ok {
		return nil, fmt.Errorf("jsonpath: evaluate %q: %w", query, err)
	}
	return v, nil
}

// GetString runs query and type-asserts the result to a non-empty string.
// Returns ("", false) if the path is absent or not a string.
func GetString(doc interface{}, query string) (string, bool) {
	v, err := Get(doc, query)
	if err != nil || v == nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// GetFloat runs query and type-asserts the result to a float64 (the type
// encoding/json uses for all JSON numbers).
func GetFloat(doc interface{}, query string) (float64, bool) {
	v, err := Get(doc, query)
	if err != nil || v == nil {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// Exists reports whether query resolves to a non-null value.
func Exists(doc interface{}, query string) bool {
	v, err := Get(doc, query)
	return err == nil && v != nil
}
