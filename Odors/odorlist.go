package Odors

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// 奖励侧
const (
	SideRight = "r"
	SideLeft  = "l"
	SideBoth  = "rl"
	SideNone  = "-"
)

// NormalizeSide 统一侧别写法: "lr" -> "rl", "" -> "-"
func NormalizeSide(side string) (string, error) {
	switch side = strings.TrimSpace(side); side {
	case SideRight, SideLeft, SideBoth, SideNone:
		return side, nil
	case "lr":
		return SideBoth, nil
	case "":
		return SideNone, nil
	}
	return "", fmt.Errorf("side %q not recognized, acceptable values are r, l, rl, lr, - or empty", side)
}

// OdorList 每个阀门对应的气味名称、奖励侧和 MFC
type OdorList struct {
	Names []string
	Sides []string
	MFC   []string // "a", "b" 或空 (未使用 MFC)
}

// NewOdorList 默认名称 p<i>，默认两侧都奖励
func NewOdorList(valves int) *OdorList {
	l := &OdorList{
		Names: make([]string, valves),
		Sides: make([]string, valves),
		MFC:   make([]string, valves),
	}
	for i := range l.Names {
		l.Names[i] = ValveName(i)
		l.Sides[i] = SideBoth
	}
	return l
}

// Side 返回 Choice 的奖励侧 (由主气味决定)，nil 时任意侧均可
func (l *OdorList) Side(c Choice) string {
	if c == nil {
		return SideBoth
	}
	return l.Sides[SelectPrimary(c).Valve]
}

// ReadOdorList 读取气味列表文件，每行: index, name, side[, mfc]
func ReadOdorList(r io.Reader, valves int, useMFC bool) (*OdorList, error) {
	l := NewOdorList(valves)

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	need := 3
	if useMFC {
		need = 4
	}
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(row) == 1 && strings.TrimSpace(row[0]) == "" {
			continue
		}
		if len(row) < need {
			return nil, fmt.Errorf("%q does not match the (index, name, side, [mfc]) pattern", row)
		}

		i, err := strconv.Atoi(strings.TrimSpace(row[0]))
		if err != nil {
			return nil, fmt.Errorf("odor index %q: %w", row[0], err)
		}
		if i < 0 || i >= valves {
			return nil, fmt.Errorf("%w: odor %d in %q", ErrValveOutOfRange, i, row)
		}
		side, err := NormalizeSide(row[2])
		if err != nil {
			return nil, err
		}

		l.Names[i] = strings.TrimSpace(row[1])
		l.Sides[i] = side
		if useMFC {
			mfc := strings.TrimSpace(row[3])
			if mfc != "a" && mfc != "b" {
				return nil, fmt.Errorf("MFC %q not recognized, acceptable values are a or b", mfc)
			}
			l.MFC[i] = mfc
		}
	}
	return l, nil
}

// LoadOdorList 从文件读取
func LoadOdorList(path string, valves int, useMFC bool) (*OdorList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadOdorList(f, valves, useMFC)
}
