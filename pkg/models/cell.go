package models

import "fmt"

// Cell identifies one configuration in the 2x2x2 factorial design.
// The three factors are binary: whether the tutor prompt includes the
// recognition framing, whether the tutor runs as an ego/superego pair,
// and whether the simulated learner runs as an ego/superego pair.
type Cell struct {
	Recognition   bool `json:"recognition"`
	TutorMulti    bool `json:"tutor_multi"`
	LearnerPsycho bool `json:"learner_psycho"`
}

// Index returns the 1-based cell number. The bits map as
// recognition<<2 | tutor_multi<<1 | learner_psycho, so cell_1 is the
// all-baseline configuration and cell_8 enables every factor.
func (c Cell) Index() int {
	n := 1
	if c.Recognition {
		n += 4
	}
	if c.TutorMulti {
		n += 2
	}
	if c.LearnerPsycho {
		n++
	}
	return n
}

// Key returns the canonical cell key, e.g. "cell_3".
func (c Cell) Key() string {
	return fmt.Sprintf("cell_%d", c.Index())
}

// Label returns the descriptive suffix used in profile names,
// e.g. "base_multi_unified".
func (c Cell) Label() string {
	recog := "base"
	if c.Recognition {
		recog = "recog"
	}
	tutor := "single"
	if c.TutorMulti {
		tutor = "multi"
	}
	learner := "unified"
	if c.LearnerPsycho {
		learner = "psycho"
	}
	return recog + "_" + tutor + "_" + learner
}

// CellFromIndex returns the cell for a 1-based cell number.
func CellFromIndex(n int) (Cell, error) {
	if n < 1 || n > 8 {
		return Cell{}, fmt.Errorf("cell index out of range: %d", n)
	}
	bits := n - 1
	return Cell{
		Recognition:   bits&4 != 0,
		TutorMulti:    bits&2 != 0,
		LearnerPsycho: bits&1 != 0,
	}, nil
}

// AllCells returns the eight factorial cells in index order.
func AllCells() []Cell {
	cells := make([]Cell, 0, 8)
	for i := 1; i <= 8; i++ {
		c, _ := CellFromIndex(i)
		cells = append(cells, c)
	}
	return cells
}
