package download

import (
	"fmt"
	"os"

	"modelkeeper/internal/errs"
)

// ValidateFileSize rejects path when it is smaller than
// expected*(1-tolerancePercent/100). A rejected file is deleted. It returns
// the file's size.
func ValidateFileSize(path string, expected int64, tolerancePercent float64) (int64, error) {
	const op = "validate size"
	fi, err := os.Stat(path)
	if err != nil {
		return 0, errs.Wrapf(errs.Corrupt, op, err, "downloaded file missing")
	}
	if expected <= 0 {
		return fi.Size(), nil
	}
	minSize := float64(expected) * (1 - tolerancePercent/100)
	if float64(fi.Size()) < minSize {
		_ = os.Remove(path)
		return fi.Size(), errs.E(errs.Corrupt, op, fmt.Sprintf(
			"download appears corrupted: file is %dMB, expected at least %dMB",
			fi.Size()/1_000_000, int64(minSize)/1_000_000))
	}
	return fi.Size(), nil
}
