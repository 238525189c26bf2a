package bashsplit

import (
	"reflect"
	"testing"
)

func TestSplitSimple(t *testing.T) {
	got, err := Split("echo one\necho two")
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	want := []string{"echo one", "echo two"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Split() = %#v, want %#v", got, want)
	}
}

func TestSplitEscapedNewline(t *testing.T) {
	got, err := Split("echo one \\\n  two")
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Split() = %#v, want a single command", got)
	}
}

func TestSplitQuotedNewline(t *testing.T) {
	got, err := Split("echo 'one\ntwo'")
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Split() = %#v, want a single command", got)
	}
}

func TestSplitHeredocUnquoted(t *testing.T) {
	input := "python <<EOF\nprint('hello world')\nprint('hello world 2')\nEOF"
	got, err := Split(input)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Split() = %#v, want a single command covering the heredoc", got)
	}
}

func TestSplitHeredocQuotedDelimWithBlankLines(t *testing.T) {
	input := "cat <<'END'\n\nfirst\n\nsecond\n\nEND\necho after"
	got, err := Split(input)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Split() = %#v, want two commands", got)
	}
}

func TestSplitBlankAndComments(t *testing.T) {
	for _, input := range []string{"", "   \n\n  ", "# just a comment\n# another"} {
		got, err := Split(input)
		if err != nil {
			t.Fatalf("Split(%q) failed: %v", input, err)
		}
		if len(got) != 0 {
			t.Errorf("Split(%q) = %#v, want empty", input, got)
		}
	}
}

func TestSplitUnterminatedQuoteIsAmbiguous(t *testing.T) {
	_, err := Split("echo 'unterminated")
	if err != ErrAmbiguous {
		t.Fatalf("Split() error = %v, want ErrAmbiguous", err)
	}
}

func TestValidateRejectsBadSyntax(t *testing.T) {
	err := Validate("(a")
	if err == nil {
		t.Fatal("Validate() = nil, want a syntax error")
	}
}

func TestValidateAcceptsGoodSyntax(t *testing.T) {
	if err := Validate("echo 'hello world'"); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}
