package engine

import (
	"fmt"
	"path/filepath"
	"strings"

	"sjq/internal/model"
)

type InterpreterKind int

const (
	KindOther InterpreterKind = iota
	KindShell
	KindBash
	KindPython
	KindRuby
	KindPerl
)

func (k InterpreterKind) String() string {
	switch k {
	case KindShell:
		return "shell"
	case KindBash:
		return "bash"
	case KindPython:
		return "python"
	case KindRuby:
		return "ruby"
	case KindPerl:
		return "perl"
	}
	return "other"
}

// Interpreter is the program named on a job's #! line.
type Interpreter struct {
	Kind InterpreterKind
	Path string
	Args []string
}

// ParseInterpreter reads the #! directive on the first line of src.
func ParseInterpreter(src string) (Interpreter, error) {
	line, _, _ := strings.Cut(src, "\n")
	line = strings.TrimRight(line, "\r")
	if !strings.HasPrefix(line, "#!") {
		return Interpreter{}, fmt.Errorf("%w: missing #! interpreter line", model.ErrSpawn)
	}
	fields := strings.Fields(line[2:])
	if len(fields) == 0 {
		return Interpreter{}, fmt.Errorf("%w: empty #! interpreter line", model.ErrSpawn)
	}

	in := Interpreter{Path: fields[0], Args: fields[1:]}
	name := filepath.Base(in.Path)
	if name == "env" {
		for _, a := range in.Args {
			if !strings.HasPrefix(a, "-") && !strings.Contains(a, "=") {
				name = filepath.Base(a)
				break
			}
		}
	}
	in.Kind = kindOf(name)
	return in, nil
}

func kindOf(name string) InterpreterKind {
	switch {
	case name == "sh" || name == "dash" || name == "ksh" || name == "zsh":
		return KindShell
	case name == "bash":
		return KindBash
	case strings.HasPrefix(name, "python"):
		return KindPython
	case strings.HasPrefix(name, "ruby"):
		return KindRuby
	case strings.HasPrefix(name, "perl"):
		return KindPerl
	}
	return KindOther
}

// Command is the argv that runs script under the interpreter.
func (in Interpreter) Command(script string) []string {
	argv := make([]string, 0, len(in.Args)+2)
	argv = append(argv, in.Path)
	argv = append(argv, in.Args...)
	return append(argv, script)
}
