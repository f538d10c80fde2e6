// Package bootargs strips the tool's bootstrap options out of a shared
// argument vector before the fabric's own argument parser sees it.
//
// Recognized options:
// - -lmonsharedsec=<secret> (exported as EnvSharedSecret)
// - -lmonsecchk=<token> (exported as EnvSecurityCheck)
//
// The long forms --lmonsharedsec= and --lmonsecchk= are accepted too. Every
// other argument passes through untouched and in order.
package bootargs

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	EnvSharedSecret  = "LMON_SHRD_SEC_ENVNAME"
	EnvSecurityCheck = "LMON_SEC_CHK_ENVNAME"

	OptSharedSecret  = "lmonsharedsec="
	OptSecurityCheck = "lmonsecchk="
)

var ErrMalformedArgs = errors.New("bootargs: malformed argument vector")

// Result is a sanitized argument vector plus the extracted option values.
type Result struct {
	// Args is the logical vector: argv[0] and every unrecognized argument.
	Args []string
	// Padded is Args followed by one placeholder per removed option, so code
	// that indexes up to the original argc still finds an entry.
	Padded []string
	// Removed counts recognized options.
	Removed int

	SharedSecret     string
	HasSharedSecret  bool
	SecurityCheck    string
	HasSecurityCheck bool
}

// Argc is the sanitized argument count.
func (r Result) Argc() int {
	return len(r.Args)
}

// Sanitize scans argv[1:argc] for the bootstrap options. argv entries past
// argc are ignored. The input slice is not modified.
func Sanitize(argc int, argv []string) (Result, error) {
	if argc < 1 {
		return Result{}, fmt.Errorf("%w: argc=%d", ErrMalformedArgs, argc)
	}
	if argc > len(argv) {
		return Result{}, fmt.Errorf("%w: argc=%d but vector holds %d entries", ErrMalformedArgs, argc, len(argv))
	}

	res := Result{Args: make([]string, 0, argc)}
	res.Args = append(res.Args, argv[0])
	for _, arg := range argv[1:argc] {
		if v, ok := optionValue(arg, OptSharedSecret); ok {
			res.SharedSecret = v
			res.HasSharedSecret = true
			res.Removed++
			continue
		}
		if v, ok := optionValue(arg, OptSecurityCheck); ok {
			res.SecurityCheck = v
			res.HasSecurityCheck = true
			res.Removed++
			continue
		}
		res.Args = append(res.Args, arg)
	}

	res.Padded = make([]string, 0, argc)
	res.Padded = append(res.Padded, res.Args...)
	for i := 1; i <= res.Removed; i++ {
		res.Padded = append(res.Padded, fmt.Sprintf("LMONNOOP%d=%d", i, i))
	}

	log.Debug().
		Int("argc", argc).
		Int("sanitized_argc", res.Argc()).
		Int("removed", res.Removed).
		Msg("bootargs.Sanitize done")
	return res, nil
}

// SanitizeArgs is Sanitize over the whole vector.
func SanitizeArgs(argv []string) (Result, error) {
	return Sanitize(len(argv), argv)
}

func optionValue(arg, opt string) (string, bool) {
	for _, prefix := range []string{"-", "--"} {
		if v, ok := strings.CutPrefix(arg, prefix+opt); ok {
			return v, true
		}
	}
	return "", false
}

// Export writes the extracted values through setenv. Absent options are not
// written.
func (r Result) Export(setenv func(key, value string) error) error {
	if r.HasSharedSecret {
		if err := setenv(EnvSharedSecret, r.SharedSecret); err != nil {
			return fmt.Errorf("bootargs: export %s: %w", EnvSharedSecret, err)
		}
	}
	if r.HasSecurityCheck {
		if err := setenv(EnvSecurityCheck, r.SecurityCheck); err != nil {
			return fmt.Errorf("bootargs: export %s: %w", EnvSecurityCheck, err)
		}
	}
	return nil
}

// ExportEnv writes the extracted values into the process environment.
func (r Result) ExportEnv() error {
	return r.Export(os.Setenv)
}
