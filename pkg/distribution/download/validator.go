package download

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/docker/model-store/pkg/distribution/internal/atomicfile"
)

// ValidatorSuffix names the file next to a partial download that holds the
// If-Range validator of the response the partial was written from.
const ValidatorSuffix = ".validator"

func validatorPath(dest string) string {
	return dest + ValidatorSuffix
}

// loadValidator returns the validator saved for the partial at dest, or ""
// when there is none.
func loadValidator(dest string) (string, error) {
	b, err := os.ReadFile(validatorPath(dest))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("reading validator of %s: %w", dest, err)
	}
	return strings.TrimSpace(string(b)), nil
}

// saveValidator records v for the partial at dest. An empty v removes the
// record, so a later resume does not send a validator of other content.
func saveValidator(dest, v string) error {
	if v == "" {
		return removeValidator(dest)
	}
	if err := atomicfile.WriteFile(validatorPath(dest), []byte(v+"\n"), 0644); err != nil {
		return fmt.Errorf("saving validator of %s: %w", dest, err)
	}
	return nil
}

func removeValidator(dest string) error {
	if err := os.Remove(validatorPath(dest)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing validator of %s: %w", dest, err)
	}
	return nil
}
