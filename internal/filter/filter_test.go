package filter

import "testing"

func TestCompileEmpty(t *testing.T) {
	sql, args, err := Compile(nil, Options{JSONColumn: "document"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sql != "TRUE" || len(args) != 0 {
		t.Fatalf("expected TRUE with no args, got %q %v", sql, args)
	}
}

func TestCompileScalarEquality(t *testing.T) {
	sql, args, err := Compile(map[string]any{"category": "blog"}, Options{JSONColumn: "document"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "document ->> 'category' = $1"
	if sql != want {
		t.Fatalf("got %q want %q", sql, want)
	}
	if len(args) != 1 || args[0] != "blog" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestCompileAndOr(t *testing.T) {
	f := map[string]any{
		"$and": []any{
			map[string]any{"category": "blog"},
			map[string]any{"$or": []any{
				map[string]any{"year": map[string]any{"$gte": 2020}},
				map[string]any{"featured": map[string]any{"$eq": true}},
			}},
		},
	}
	sql, args, err := Compile(f, Options{JSONColumn: "document"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(args) != 3 {
		t.Fatalf("expected 3 bound args, got %d: %v", len(args), args)
	}
	if sql == "" {
		t.Fatal("expected non-empty SQL")
	}
}

func TestCompileInEmptyList(t *testing.T) {
	sql, _, err := Compile(map[string]any{"tag": map[string]any{"$in": []any{}}}, Options{JSONColumn: "document"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sql != "FALSE" {
		t.Fatalf("expected FALSE for empty $in, got %q", sql)
	}
}

func TestCompileExistsRequiresBool(t *testing.T) {
	_, _, err := Compile(map[string]any{"tag": map[string]any{"$exists": "yes"}}, Options{JSONColumn: "document"})
	if err == nil {
		t.Fatal("expected error for non-bool $exists value")
	}
}

func TestCompileFullTextSearchRequiresColumn(t *testing.T) {
	f := map[string]any{"full_text_search": map[string]any{"configuration": "english", "text": "foo"}}
	_, _, err := Compile(f, Options{JSONColumn: "document"})
	if err == nil {
		t.Fatal("expected error when FTSColumn is not configured")
	}

	sql, args, err := Compile(f, Options{JSONColumn: "document", FTSColumn: "t.ts"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sql != "t.ts @@ websearch_to_tsquery($1, $2)" {
		t.Fatalf("unexpected sql: %q", sql)
	}
	if len(args) != 2 {
		t.Fatalf("expected 2 args, got %v", args)
	}
}

func TestCompileInvalidFieldName(t *testing.T) {
	_, _, err := Compile(map[string]any{"bad name!": "x"}, Options{JSONColumn: "document"})
	if err == nil {
		t.Fatal("expected error for invalid field name")
	}
}

func TestCompileNestedField(t *testing.T) {
	f := map[string]any{"meta": map[string]any{"author": map[string]any{"name": "ada"}}}
	sql, args, err := Compile(f, Options{JSONColumn: "document"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "document -> 'meta' -> 'author' ->> 'name' = $1"
	if sql != want {
		t.Fatalf("got %q want %q", sql, want)
	}
	if len(args) != 1 || args[0] != "ada" {
		t.Fatalf("unexpected args: %v", args)
	}
}
