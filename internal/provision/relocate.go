package provision

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Move records one relocation decision.
type Move struct {
	Name  string
	From  string
	To    string
	Moved bool
	// Reason explains a move that did not happen.
	Reason string
}

// Relocate moves assets that landed in checkpoints/ into the folder their
// kind belongs in. Existing files at the destination are never overwritten.
func Relocate(l Layout, assets []Asset, w io.Writer) ([]Move, error) {
	if err := l.EnsureDirs(); err != nil {
		return nil, err
	}

	var moves []Move
	for _, a := range assets {
		if a.Kind == Checkpoints {
			continue
		}
		from := filepath.Join(l.Dir(Checkpoints), a.Name)
		to := l.Path(a)
		m := Move{Name: a.Name, From: from, To: to}

		if _, err := os.Stat(from); errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return moves, fmt.Errorf("checking %s: %w", from, err)
		}

		if _, err := os.Stat(to); err == nil {
			m.Reason = fmt.Sprintf("already in %s/", a.Kind)
			fmt.Fprintf(w, "%s: %s, leaving checkpoints/ copy\n", a.Name, m.Reason)
			moves = append(moves, m)
			continue
		}

		if err := os.Rename(from, to); err != nil {
			return moves, fmt.Errorf("moving %s to %s/: %w", a.Name, a.Kind, err)
		}
		m.Moved = true
		fmt.Fprintf(w, "%s: checkpoints/ -> %s/\n", a.Name, a.Kind)
		moves = append(moves, m)
	}
	return moves, nil
}
