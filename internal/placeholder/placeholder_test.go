package placeholder

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestExpand(t *testing.T) {
	t.Parallel()

	values := Values{TmpDir: "/tmp/scenario-1", "image": "alpine"}

	tests := []struct {
		name string
		text string
		want string
	}{
		{name: "bare token", text: "ls {tmpdir}/out", want: "ls /tmp/scenario-1/out"},
		{name: "context token", text: "mount {context.tmpdir}", want: "mount /tmp/scenario-1"},
		{name: "repeated tokens", text: "{tmpdir}:{tmpdir}", want: "/tmp/scenario-1:/tmp/scenario-1"},
		{name: "other name", text: "pull {image}", want: "pull alpine"},
		{name: "unknown token kept", text: "echo {missing}", want: "echo {missing}"},
		{name: "no braces", text: "sleep 5", want: "sleep 5"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := values.Expand(tt.text); got != tt.want {
				t.Fatalf("Expand(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestExpandAll(t *testing.T) {
	t.Parallel()

	got := WithTmpDir("/scratch").ExpandAll([]string{"cp", "a", "{tmpdir}/b"})
	want := []string{"cp", "a", "/scratch/b"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ExpandAll mismatch (-want +got):\n%s", diff)
	}
	if WithTmpDir("/scratch").ExpandAll(nil) != nil {
		t.Fatal("nil input should stay nil")
	}
}

func TestEmptyValuesLeaveTextAlone(t *testing.T) {
	t.Parallel()

	var values Values
	if got := values.Expand("{tmpdir}"); got != "{tmpdir}" {
		t.Fatalf("Expand = %q, want token unchanged", got)
	}
}
