package signalhandler

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestInstallValidation(t *testing.T) {
	r := New(log.NewNopLogger())
	defer r.Close()

	require.ErrorIs(t, r.Install(func(Info) {}, 0), ErrInvalidSignal)
	require.ErrorIs(t, r.Install(func(Info) {}, 65), ErrInvalidSignal)
	require.ErrorIs(t, r.Install(func(Info) {}, syscall.SIGKILL), ErrInvalidSignal)
	require.ErrorIs(t, r.Install(func(Info) {}, syscall.SIGSTOP), ErrInvalidSignal)
	require.NoError(t, r.Install(func(Info) {}, syscall.SIGUSR2))
}

func TestDeliversSignal(t *testing.T) {
	r := New(log.NewNopLogger())
	defer r.Close()

	got := make(chan Info, 1)
	require.NoError(t, r.Install(func(info Info) {
		got <- info
	}, syscall.SIGUSR1))

	require.NoError(t, unix.Kill(os.Getpid(), syscall.SIGUSR1))

	select {
	case info := <-got:
		require.Equal(t, syscall.SIGUSR1, info.Sig)
	case <-time.After(2 * time.Second):
		t.Fatal("signal was not delivered")
	}
}

func TestReinstallReplacesHandler(t *testing.T) {
	r := New(log.NewNopLogger())
	defer r.Close()

	first := make(chan Info, 1)
	second := make(chan Info, 1)
	require.NoError(t, r.Install(func(info Info) { first <- info }, syscall.SIGUSR1))
	require.NoError(t, r.Install(func(info Info) { second <- info }, syscall.SIGUSR1))

	require.NoError(t, unix.Kill(os.Getpid(), syscall.SIGUSR1))

	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("replacement handler did not fire")
	}
	select {
	case <-first:
		t.Fatal("replaced handler fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInstallManySignals(t *testing.T) {
	r := New(log.NewNopLogger())
	defer r.Close()

	got := make(chan Info, 2)
	require.NoError(t, r.Install(func(info Info) { got <- info }, syscall.SIGUSR1, syscall.SIGUSR2))

	require.NoError(t, unix.Kill(os.Getpid(), syscall.SIGUSR1))
	require.NoError(t, unix.Kill(os.Getpid(), syscall.SIGUSR2))

	seen := map[syscall.Signal]bool{}
	for len(seen) < 2 {
		select {
		case info := <-got:
			seen[info.Sig] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("only saw %v", seen)
		}
	}
}
