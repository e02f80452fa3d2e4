package distribution

import (
	"testing"
	"time"

	"github.com/zsiec/preroll/certs"
	"github.com/zsiec/preroll/media"
)

func TestQUICServerPushWithoutSubscribers(t *testing.T) {
	t.Parallel()

	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	srv := NewQUICServer("127.0.0.1:0", cert.TLSConfig(), nil)

	// No subscribers: Push must be a cheap no-op that never fails, so the
	// valve's forwarding path is unaffected by an idle fan-out.
	for i := 0; i < 10; i++ {
		if err := srv.Push(&media.Unit{PTS: time.Duration(i) * time.Second}); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if got := srv.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount: got %d, want 0", got)
	}
}

func TestQUICServerSetsALPN(t *testing.T) {
	t.Parallel()

	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	srv := NewQUICServer("127.0.0.1:0", cert.TLSConfig(), nil)

	if len(srv.tls.NextProtos) != 1 || srv.tls.NextProtos[0] != alpnProtocol {
		t.Errorf("NextProtos: got %v, want [%s]", srv.tls.NextProtos, alpnProtocol)
	}
}
