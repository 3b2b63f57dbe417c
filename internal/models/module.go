package models

import (
	"sort"
	"strconv"
	"strings"
)

type ModuleID int

// ModuleKind: результат разбора идентификатора модуля.
type ModuleKind int

const (
	ModuleUnknown ModuleKind = iota
	ModuleKnown
	ModuleReserved
)

// ReservedModule намеренно не используется, но принимается как no-op.
const ReservedModule ModuleID = 4

// AgeRestrictedModule доступен только 17+.
const AgeRestrictedModule ModuleID = 7

var knownModules = map[ModuleID]struct{}{
	1: {}, 2: {}, 3: {}, 5: {}, 6: {}, 7: {},
}

// идентификаторы уроков из старого хранилища контента
var legacyLessonIDs = map[string]ModuleID{
	"DL3xA7s2jxcoC3s37jmu": 1,
	"7qcYU7xPE9qkG4bpeHX8": 2,
	"CraoiUsKj7i05qpsuFL4": 3,
	"RT2pE8Vx5mNcY4wS9aZq": 4,
	"YILBwhaERvu3eXoi8oB0": 5,
	"27x7tKGsqhfCknjXqLoT": 6,
	"tnla8thJfkiNfUtwznWU": 7,
}

func ParseModuleID(s string) (ModuleID, ModuleKind) {
	s = strings.TrimSpace(s)
	id, err := strconv.Atoi(s)
	if err != nil {
		legacy, ok := legacyLessonIDs[s]
		if !ok {
			return 0, ModuleUnknown
		}
		id = int(legacy)
	}
	return ModuleID(id), ModuleID(id).Kind()
}

func (m ModuleID) Kind() ModuleKind {
	if m == ReservedModule {
		return ModuleReserved
	}
	if _, ok := knownModules[m]; ok {
		return ModuleKnown
	}
	return ModuleUnknown
}

func (m ModuleID) Key() string { return strconv.Itoa(int(m)) }

// Modules: все рабочие модули по возрастанию.
func Modules() []ModuleID {
	out := make([]ModuleID, 0, len(knownModules))
	for id := range knownModules {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type QuizType string

const (
	PreQuiz  QuizType = "pre"
	PostQuiz QuizType = "post"
)

func ParseQuizType(s string) (QuizType, bool) {
	switch QuizType(strings.ToLower(strings.TrimSpace(s))) {
	case PreQuiz:
		return PreQuiz, true
	case PostQuiz:
		return PostQuiz, true
	}
	return "", false
}
