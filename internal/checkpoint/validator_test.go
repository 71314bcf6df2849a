package checkpoint

import (
	"reflect"
	"testing"

	"github.com/spf13/afero"

	"github.com/msageha/stagehand/internal/model"
)

func memFs(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	for path, content := range files {
		if err := afero.WriteFile(fs, path, []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	return fs
}

func TestValidatePass(t *testing.T) {
	fs := memFs(t, map[string]string{
		"work/out.txt":      "result",
		"work/logs/run.log": "ok",
	})

	result := Validate(fs, "work", []string{"out.txt", "logs/*.log"})

	if result.Status != model.ValidationPass {
		t.Errorf("status: got %q, want pass", result.Status)
	}
	if len(result.Matched) != 2 || len(result.Missing) != 0 {
		t.Errorf("matched=%v missing=%v", result.Matched, result.Missing)
	}
}

func TestValidateEmptyFileDoesNotSatisfy(t *testing.T) {
	fs := memFs(t, map[string]string{
		"work/out.txt": "", // touched but empty
	})

	result := Validate(fs, "work", []string{"out.txt"})

	if result.Status != model.ValidationFail {
		t.Errorf("status: got %q, want fail (empty file must not satisfy a gate)", result.Status)
	}
	if len(result.Missing) != 1 {
		t.Errorf("missing: got %v", result.Missing)
	}
}

func TestValidatePartial(t *testing.T) {
	fs := memFs(t, map[string]string{
		"work/out.txt": "result",
	})

	result := Validate(fs, "work", []string{"out.txt", "report.md"})

	if result.Status != model.ValidationPartial {
		t.Errorf("status: got %q, want partial", result.Status)
	}
	if !reflect.DeepEqual(result.Matched, []string{"out.txt"}) {
		t.Errorf("matched: got %v", result.Matched)
	}
	if !reflect.DeepEqual(result.Missing, []string{"report.md"}) {
		t.Errorf("missing: got %v", result.Missing)
	}
}

func TestValidateFail(t *testing.T) {
	fs := afero.NewMemMapFs()

	result := Validate(fs, "work", []string{"out.txt", "report.md"})

	if result.Status != model.ValidationFail {
		t.Errorf("status: got %q, want fail", result.Status)
	}
}

func TestValidateDirectoryDoesNotCount(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := fs.MkdirAll("work/out.txt", 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	result := Validate(fs, "work", []string{"out.txt"})
	if result.Status != model.ValidationFail {
		t.Errorf("status: got %q, want fail (directories must not satisfy a gate)", result.Status)
	}
}

func TestValidateNoPatternsPasses(t *testing.T) {
	fs := afero.NewMemMapFs()
	result := Validate(fs, "work", nil)
	if result.Status != model.ValidationPass {
		t.Errorf("status: got %q, want pass", result.Status)
	}
}

func TestValidateIdempotent(t *testing.T) {
	fs := memFs(t, map[string]string{
		"work/out.txt": "result",
	})
	patterns := []string{"out.txt", "missing.md"}

	first := Validate(fs, "work", patterns)
	second := Validate(fs, "work", patterns)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("not idempotent:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestValidateOnRealFilesystem(t *testing.T) {
	fs := afero.NewOsFs()
	dir := t.TempDir()

	if err := afero.WriteFile(fs, dir+"/out.txt", []byte("content"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	result := Validate(fs, dir, []string{"out.txt"})
	if result.Status != model.ValidationPass {
		t.Errorf("status: got %q, want pass", result.Status)
	}
}
