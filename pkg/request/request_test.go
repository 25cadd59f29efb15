package request

import (
	"errors"
	"strings"
	"testing"
)

func TestExtractAPIGatewayLine(t *testing.T) {
	line := `GET /medic/_design/medic-client/_view/contacts_by_freetext?startkey=%22ab%22 HTTP/1.1`
	req, err := Extract(line)
	if err != nil {
		t.Fatalf("Expected line to parse, got %v", err)
	}

	if req.View != "contacts_by_freetext" {
		t.Errorf("Expected view contacts_by_freetext, got %s", req.View)
	}
	if req.Pathname != "/medic/_design/medic-client/_view/contacts_by_freetext" {
		t.Errorf("Unexpected pathname %s", req.Pathname)
	}
	if len(req.Params) != 1 {
		t.Fatalf("Expected 1 param, got %d", len(req.Params))
	}
	if v, _ := req.Params.Get("startkey"); v != `"ab"` {
		t.Errorf(`Expected startkey "ab", got %s`, v)
	}
	if req.FullPath != "/medic/_design/medic-client/_view/contacts_by_freetext?startkey=%22ab%22" {
		t.Errorf("Unexpected full path %s", req.FullPath)
	}
}

func TestExtractLoadBalancerLine(t *testing.T) {
	line := `2024-03-01T10:00:00Z,10.0.0.1,GET,/medic/_design/medic-client/_view/reports_by_freetext?startkey=%5B%22amy%22%5D&limit=50,200,1234`
	req, err := Extract(line)
	if err != nil {
		t.Fatalf("Expected line to parse, got %v", err)
	}
	if req.View != "reports_by_freetext" {
		t.Errorf("Expected reports_by_freetext, got %s", req.View)
	}
	if v, _ := req.Params.Get("startkey"); v != `["amy"]` {
		t.Errorf("Unexpected startkey %s", v)
	}
	if v, _ := req.Params.Get("limit"); v != "50" {
		t.Errorf("Unexpected limit %s", v)
	}
}

func TestExtractPrefersFirstGrammar(t *testing.T) {
	line := `GET /medic/_design/medic-client/_view/contacts_by_freetext?a=1 GET,/medic/_design/medic-client/_view/reports_by_freetext?b=2,`
	req, err := Extract(line)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if req.View != "contacts_by_freetext" {
		t.Fatalf("expected first grammar to win, got %s", req.View)
	}
}

func TestExtractRejectsOtherLines(t *testing.T) {
	lines := []string{
		"",
		"GET /medic/_design/medic-client/_view/contacts_by_parent HTTP/1.1",
		"POST /medic/_design/medic-client/_view/contacts_by_freetext?x=1 HTTP/1.1",
		"GET /medic/_all_docs?keys=[] HTTP/1.1",
		"GET /medic/_design/medic-client/_view/contacts_by_freetext HTTP/1.1",
	}
	for _, line := range lines {
		if _, err := Extract(line); !errors.Is(err, ErrNotQueryLine) {
			t.Errorf("Expected ErrNotQueryLine for %q, got %v", line, err)
		}
	}
}

func TestParamsKeepOrderAndDuplicates(t *testing.T) {
	params := ParseParams("?b=2&a=1&b=3&flag&q=hello+world")
	if got := params.Encode(); got != "b=2&a=1&b=3&flag=&q=hello+world" {
		t.Fatalf("Unexpected encoding %s", got)
	}
	if v, _ := params.Get("b"); v != "2" {
		t.Errorf("Expected first value for b, got %s", v)
	}
	if v, _ := params.Get("q"); v != "hello world" {
		t.Errorf("Expected plus to decode as space, got %q", v)
	}
	if !params.Has("flag") || params.Has("missing") {
		t.Error("Unexpected Has result")
	}
}

func TestArchiveKey(t *testing.T) {
	req := NewExtractedRequest("contacts_by_freetext", ParseParams(`startkey=["a/b"]`))
	if got := req.ArchiveKey(); got != "contacts_by_freetext?startkey=%5B%22a%2Fb%22%5D" {
		t.Fatalf("Unexpected archive key %s", got)
	}
}

func TestSetCollapsesDuplicates(t *testing.T) {
	set := NewSet()
	line := `GET /medic/_design/medic-client/_view/contacts_by_freetext?startkey=%22ab%22 HTTP/1.1`
	first, _ := Extract(line)
	second, _ := Extract(line)

	if !set.Add(first) {
		t.Fatal("expected first request to be added")
	}
	if set.Add(second) {
		t.Fatal("expected duplicate to be dropped")
	}
	if set.Len() != 1 {
		t.Fatalf("expected 1 request, got %d", set.Len())
	}
	if got, ok := set.Get(first.FullPath); !ok || got != first {
		t.Fatal("expected first occurrence to be kept")
	}
}

func TestScanCountsLines(t *testing.T) {
	log := strings.Join([]string{
		`GET /medic/_design/medic-client/_view/contacts_by_freetext?startkey=%22ab%22 HTTP/1.1`,
		`garbage`,
		`GET /medic/_design/medic-client/_view/contacts_by_freetext?startkey=%22ab%22 HTTP/1.1`,
		`x,GET,/medic/_design/medic-client/_view/reports_by_freetext?startkey=%22zz%22,200`,
	}, "\n")

	var skipped []*ParseError
	set := NewSet()
	stats, err := Scan(strings.NewReader(log), set, 0, func(e *ParseError) {
		skipped = append(skipped, e)
	})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if stats.Lines != 4 || stats.Unique != 2 || stats.Malformed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(skipped) != 1 || skipped[0].Line != 2 {
		t.Fatalf("unexpected skipped lines %#v", skipped)
	}
	if !errors.Is(skipped[0], ErrNotQueryLine) {
		t.Fatal("expected parse error to wrap ErrNotQueryLine")
	}
	views := set.Views()
	if len(views) != 2 || views[0] != "contacts_by_freetext" || views[1] != "reports_by_freetext" {
		t.Fatalf("unexpected views %v", views)
	}
}

func TestParamsDecodeEachEscape(t *testing.T) {
	params := ParseParams(`?startkey=%22a%ZZb%22&name=jane+doe&tail=100%&bad=%E2%28`)

	if v, _ := params.Get("startkey"); v != `"a%ZZb"` {
		t.Errorf(`Expected "a%%ZZb", got %s`, v)
	}
	if v, _ := params.Get("name"); v != "jane doe" {
		t.Errorf("Expected plus to decode to a space, got %q", v)
	}
	if v, _ := params.Get("tail"); v != "100%" {
		t.Errorf("Expected trailing percent to be kept, got %q", v)
	}
	if v, _ := params.Get("bad"); v != "\ufffd(" {
		t.Errorf("Expected invalid UTF-8 to be replaced, got %q", v)
	}
}

func TestScanSkipsOverlongLine(t *testing.T) {
	const limit = 1024
	log := strings.Join([]string{
		`GET /medic/_design/medic-client/_view/contacts_by_freetext?startkey=%22ab%22 HTTP/1.1`,
		`GET /medic/_design/medic-client/_view/contacts_by_freetext?startkey=` + strings.Repeat("x", 200*1024) + ` HTTP/1.1`,
		`GET /medic/_design/medic-client/_view/reports_by_freetext?startkey=%22zz%22 HTTP/1.1`,
	}, "\n")

	var skipped []*ParseError
	set := NewSet()
	stats, err := Scan(strings.NewReader(log), set, limit, func(e *ParseError) {
		skipped = append(skipped, e)
	})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if stats.Lines != 3 || stats.Unique != 2 || stats.Malformed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(skipped) != 1 || skipped[0].Line != 2 || !errors.Is(skipped[0], ErrLineTooLong) {
		t.Fatalf("unexpected skipped lines %#v", skipped)
	}
	if _, ok := set.Get(ViewPathPrefix + "reports_by_freetext?startkey=%22zz%22"); !ok {
		t.Fatal("expected the line after the overlong one to be read")
	}
}

func TestScanKeepsLastLineWithoutNewline(t *testing.T) {
	log := "garbage\r\n\nGET /medic/_design/medic-client/_view/contacts_by_freetext?startkey=%22ab%22"
	set := NewSet()
	stats, err := Scan(strings.NewReader(log), set, 0, nil)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if stats.Lines != 3 || stats.Unique != 1 || stats.Malformed != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
