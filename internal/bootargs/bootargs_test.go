package bootargs

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/danmuck/fleetctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestSanitizeRemovesBothOptions(t *testing.T) {
	testlog.Start(t)
	argv := []string{"fleetd", "-lmonsharedsec=abc", "-x", "-lmonsecchk=123"}
	res, err := Sanitize(len(argv), argv)
	require.NoError(t, err)

	require.Equal(t, []string{"fleetd", "-x"}, res.Args)
	require.Equal(t, 2, res.Argc())
	require.Equal(t, 2, res.Removed)
	require.Equal(t, "abc", res.SharedSecret)
	require.True(t, res.HasSharedSecret)
	require.Equal(t, "123", res.SecurityCheck)
	require.True(t, res.HasSecurityCheck)
	require.Equal(t, []string{"fleetd", "-x", "LMONNOOP1=1", "LMONNOOP2=2"}, res.Padded)

	// Input vector is untouched.
	require.Equal(t, "-lmonsharedsec=abc", argv[1])
}

func TestSanitizeNoOptionsIsIdentity(t *testing.T) {
	testlog.Start(t)
	argv := []string{"fleetd", "-a", "b", "--c=d"}
	res, err := SanitizeArgs(argv)
	require.NoError(t, err)
	require.Equal(t, argv, res.Args)
	require.Equal(t, argv, res.Padded)
	require.Zero(t, res.Removed)
	require.False(t, res.HasSharedSecret)
	require.False(t, res.HasSecurityCheck)
}

func TestSanitizeAcceptsDoubleDash(t *testing.T) {
	testlog.Start(t)
	res, err := SanitizeArgs([]string{"fleetd", "--lmonsharedsec=s", "--lmonsecchk=c", "run"})
	require.NoError(t, err)
	require.Equal(t, []string{"fleetd", "run"}, res.Args)
	require.Equal(t, "s", res.SharedSecret)
	require.Equal(t, "c", res.SecurityCheck)
}

func TestSanitizeEmptyValue(t *testing.T) {
	testlog.Start(t)
	res, err := SanitizeArgs([]string{"fleetd", "-lmonsecchk="})
	require.NoError(t, err)
	require.True(t, res.HasSecurityCheck)
	require.Empty(t, res.SecurityCheck)
	require.Equal(t, 1, res.Removed)
}

func TestSanitizeLastOccurrenceWins(t *testing.T) {
	testlog.Start(t)
	res, err := SanitizeArgs([]string{"fleetd", "-lmonsharedsec=one", "-lmonsharedsec=two"})
	require.NoError(t, err)
	require.Equal(t, "two", res.SharedSecret)
	require.Equal(t, 2, res.Removed)
	require.Equal(t, []string{"fleetd"}, res.Args)
}

func TestSanitizeDoesNotMatchLookalikes(t *testing.T) {
	testlog.Start(t)
	argv := []string{"fleetd", "-lmonsharedsec", "lmonsecchk=1", "-xlmonsecchk=1", "---lmonsecchk=1"}
	res, err := SanitizeArgs(argv)
	require.NoError(t, err)
	require.Equal(t, argv, res.Args)
	require.Zero(t, res.Removed)
}

func TestSanitizeArgvZeroIsNeverStripped(t *testing.T) {
	testlog.Start(t)
	res, err := SanitizeArgs([]string{"-lmonsharedsec=abc"})
	require.NoError(t, err)
	require.Equal(t, []string{"-lmonsharedsec=abc"}, res.Args)
	require.False(t, res.HasSharedSecret)
}

func TestSanitizeIgnoresEntriesPastArgc(t *testing.T) {
	testlog.Start(t)
	res, err := Sanitize(2, []string{"fleetd", "-v", "-lmonsharedsec=abc"})
	require.NoError(t, err)
	require.Equal(t, []string{"fleetd", "-v"}, res.Args)
	require.False(t, res.HasSharedSecret)
}

func TestSanitizeMalformed(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		argc int
		argv []string
	}{
		{name: "zero argc", argc: 0, argv: []string{"fleetd"}},
		{name: "negative argc", argc: -1, argv: []string{"fleetd"}},
		{name: "argc past vector", argc: 3, argv: []string{"fleetd", "-x"}},
		{name: "nil vector", argc: 1, argv: nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Sanitize(tc.argc, tc.argv)
			require.ErrorIs(t, err, ErrMalformedArgs)
		})
	}
}

// Every arrangement keeps the unrecognized arguments in order, drops exactly
// the recognized ones, and pads back to the original count.
func TestSanitizeCountAndOrderProperty(t *testing.T) {
	testlog.Start(t)
	pool := []string{"-a", "-lmonsharedsec=k", "b", "-lmonsecchk=t", "--lmonsecchk=u", "c"}
	for mask := 0; mask < 1<<len(pool); mask++ {
		argv := []string{"fleetd"}
		var kept []string
		k := 0
		for i, a := range pool {
			if mask&(1<<i) == 0 {
				continue
			}
			argv = append(argv, a)
			if strings.Contains(a, "lmon") {
				k++
			} else {
				kept = append(kept, a)
			}
		}
		res, err := SanitizeArgs(argv)
		require.NoError(t, err)
		require.Equal(t, len(argv)-k, res.Argc())
		require.Equal(t, k, res.Removed)
		require.Equal(t, append([]string{"fleetd"}, kept...), res.Args)
		require.Len(t, res.Padded, len(argv))
		for _, p := range res.Padded[res.Argc():] {
			require.NotEmpty(t, p)
			require.True(t, strings.HasPrefix(p, "LMONNOOP"))
		}
	}
}

func TestExport(t *testing.T) {
	testlog.Start(t)
	res, err := SanitizeArgs([]string{"fleetd", "-lmonsharedsec=abc", "-lmonsecchk=123"})
	require.NoError(t, err)

	env := map[string]string{}
	require.NoError(t, res.Export(func(k, v string) error {
		env[k] = v
		return nil
	}))
	require.Equal(t, map[string]string{EnvSharedSecret: "abc", EnvSecurityCheck: "123"}, env)
}

func TestExportSkipsAbsentOptions(t *testing.T) {
	testlog.Start(t)
	res, err := SanitizeArgs([]string{"fleetd", "-lmonsecchk=123"})
	require.NoError(t, err)

	env := map[string]string{}
	require.NoError(t, res.Export(func(k, v string) error {
		env[k] = v
		return nil
	}))
	require.Equal(t, map[string]string{EnvSecurityCheck: "123"}, env)
}

func TestExportPropagatesSetenvFailure(t *testing.T) {
	testlog.Start(t)
	res, err := SanitizeArgs([]string{"fleetd", "-lmonsharedsec=abc"})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = res.Export(func(string, string) error { return boom })
	require.ErrorIs(t, err, boom)
	require.NotContains(t, err.Error(), "abc")
}

func TestExportEnv(t *testing.T) {
	testlog.Start(t)
	t.Setenv(EnvSharedSecret, "")
	t.Setenv(EnvSecurityCheck, "")
	res, err := SanitizeArgs([]string{"fleetd", "-lmonsharedsec=abc", "-lmonsecchk=123"})
	require.NoError(t, err)
	require.NoError(t, res.ExportEnv())
	require.Equal(t, "abc", os.Getenv(EnvSharedSecret))
	require.Equal(t, "123", os.Getenv(EnvSecurityCheck))
}
