package restart

import (
	"net"
	"strconv"
	"testing"
)

func TestListenerFromEnv(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	file, err := listenerFile(ln)
	if err != nil {
		t.Fatalf("listener file: %v", err)
	}
	defer file.Close()

	t.Setenv(envInherit, "1")
	t.Setenv(envFD, strconv.Itoa(int(file.Fd())))

	got, inherited, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen from env: %v", err)
	}
	if !inherited {
		t.Fatalf("expected the inherited listener")
	}
	defer got.Close()
	if got.Addr().String() != ln.Addr().String() {
		t.Fatalf("addr = %s, want %s", got.Addr(), ln.Addr())
	}
}

func TestListenWithoutInheritance(t *testing.T) {
	t.Setenv(envInherit, "")
	ln, inherited, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	if inherited {
		t.Fatalf("did not expect an inherited listener")
	}
}

func TestInvalidFD(t *testing.T) {
	t.Setenv(envInherit, "1")
	t.Setenv(envFD, "three")
	if _, err := ListenerFromEnv(); err == nil {
		t.Fatalf("expected an error for a non-numeric fd")
	}
}

func TestChildEnvDropsFDHints(t *testing.T) {
	got := childEnv([]string{"PATH=/bin", envInherit + "=1", envFD + "=7", "RELAY_FDX=keep"})
	if len(got) != 2 || got[0] != "PATH=/bin" || got[1] != "RELAY_FDX=keep" {
		t.Fatalf("childEnv = %v", got)
	}
}

func TestRestartRequiresListener(t *testing.T) {
	if err := (&Restarter{Args: []string{"true"}}).Restart(); err == nil {
		t.Fatalf("expected an error without a listener")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	if err := (&Restarter{Listener: ln}).Restart(); err == nil {
		t.Fatalf("expected an error without args")
	}
}
