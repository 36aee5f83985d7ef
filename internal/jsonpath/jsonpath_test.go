package jsonpath

import (
	"encoding/json"
	"testing"
)

func decode(t *testing.T, raw string) interface{} {
	t.Helper()
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return v
}

func TestGetStringPresent(t *testing.T) {
	doc := decode(t, `{"_links":{"deploymentBase":{"href":"https://x/y"}}}`)
	href, ok := GetString(doc, "._links.deploymentBase.href")
	if !ok || href != "https://x/y" {
		t.Fatalf("got %q, %v", href, ok)
	}
}

func TestGetStringAbsent(t *testing.T) {
	doc := decode(t, `{"_links":{}}`)
	_, ok := GetString(doc, "._links.deploymentBase.href")
	if ok {
		t.Fatalf("expected absent")
	}
}

func TestExistsOnMissingTopLevelKey(t *testing.T) {
	doc := decode(t, `{}`)
	if Exists(doc, "._links.cancelAction") {
		t.Fatalf("expected false")
	}
}

func TestGetFloatFromArtifact(t *testing.T) {
	doc := decode(t, `{"deployment":{"chunks":[{"artifacts":[{"size":7}]}]}}`)
	size, ok := GetFloat(doc, ".deployment.chunks[0].artifacts[0].size")
	if !ok || size != 7 {
		t.Fatalf("got %v, %v", size, ok)
	}
}

func TestGetStringChunksEmpty(t *testing.T) {
	doc := decode(t, `{"deployment":{"chunks":[]}}`)
	_, ok := GetString(doc, ".deployment.chunks[0].name")
	if ok {
		t.Fatalf("expected absent on empty chunks array")
	}
}
