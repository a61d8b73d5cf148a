package rpc

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"

	"ConfidentialFutures/internal/authn"

	"github.com/holiman/uint256"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/test/bufconn"
)

func TestJSONCodec(t *testing.T) {
	codec := encoding.GetCodec(CodecName)
	if codec == nil {
		t.Fatal("json codec not registered")
	}

	in := &SettlementCallbackRequest{
		RequestID: "115792089237316195423570985008687907853269984665640564039457584007913129639935",
		Plaintext: 18446744073709551615,
		Auth:      authn.Credentials{Signer: "0xabc", Timestamp: 42, Signature: "0x01"},
	}
	data, err := codec.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	// uint64 plaintexts travel as strings so JSON clients keep full precision.
	if !bytes.Contains(data, []byte(`"plaintext":"18446744073709551615"`)) {
		t.Errorf("wire form = %s", data)
	}

	var out SettlementCallbackRequest
	if err := codec.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out != *in {
		t.Errorf("decoded %+v, want %+v", out, *in)
	}

	if err := codec.Unmarshal([]byte("{"), &out); err == nil {
		t.Error("malformed input accepted")
	}
}

func TestSigningPayloadsAreMethodBound(t *testing.T) {
	s := &SettlementCallbackRequest{RequestID: "7", Plaintext: 100}
	w := &WithdrawalCallbackRequest{RequestID: "7", Plaintext: 100}
	tt := &TriggerTimeoutRequest{RequestID: "7"}

	ps, pw, pt := s.SigningPayload(1), w.SigningPayload(1), tt.SigningPayload(1)
	if bytes.Equal(ps, pw) || bytes.Equal(ps, pt) || bytes.Equal(pw, pt) {
		t.Fatalf("payloads collide: %q %q %q", ps, pw, pt)
	}
	if !strings.HasPrefix(string(ps), Coordinator_SettlementCallback_FullMethodName+"|7|100|") {
		t.Errorf("settlement payload = %q", ps)
	}
	if bytes.Equal(s.SigningPayload(1), s.SigningPayload(2)) {
		t.Error("timestamp not bound into payload")
	}
}

func TestParseRequestID(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"1", false},
		{"340282366920938463463374607431768211456", false},
		{"0", true},
		{"", true},
		{"-5", true},
		{"0x10", true},
	}
	for _, tt := range tests {
		id, err := ParseRequestID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRequestID(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && id.Dec() != tt.in {
			t.Errorf("ParseRequestID(%q) = %s", tt.in, id.Dec())
		}
	}
}

type echoCoordinator struct {
	got *SettlementCallbackRequest
}

func (e *echoCoordinator) SettlementCallback(_ context.Context, in *SettlementCallbackRequest) (*CallbackResponse, error) {
	e.got = in
	return &CallbackResponse{Accepted: true, Status: "FULFILLED"}, nil
}

func (e *echoCoordinator) WithdrawalCallback(context.Context, *WithdrawalCallbackRequest) (*CallbackResponse, error) {
	return &CallbackResponse{Duplicate: true}, nil
}

func (e *echoCoordinator) TriggerTimeout(context.Context, *TriggerTimeoutRequest) (*TriggerTimeoutResponse, error) {
	return &TriggerTimeoutResponse{Refunded: true}, nil
}

type fixedResolver struct{}

func (fixedResolver) Decrypt(_ context.Context, in *DecryptRequest) (*DecryptResponse, error) {
	return &DecryptResponse{Plaintext: uint64(len(in.RequestID)) * 1000}, nil
}

func TestServicesOverBufconn(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	coord := &echoCoordinator{}
	RegisterCoordinatorServer(srv, coord)
	RegisterResolverServer(srv, fixedResolver{})
	go srv.Serve(lis)
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	ctx := context.Background()
	client := NewCoordinatorClient(conn)

	resp, err := client.SettlementCallback(ctx, &SettlementCallbackRequest{RequestID: "9", Plaintext: 51000})
	if err != nil {
		t.Fatalf("SettlementCallback: %v", err)
	}
	if !resp.Accepted || resp.Status != "FULFILLED" {
		t.Errorf("response = %+v", resp)
	}
	if coord.got == nil || coord.got.RequestID != "9" || coord.got.Plaintext != 51000 {
		t.Errorf("server saw %+v", coord.got)
	}

	wresp, err := client.WithdrawalCallback(ctx, &WithdrawalCallbackRequest{RequestID: "10", Plaintext: 1})
	if err != nil || !wresp.Duplicate {
		t.Errorf("WithdrawalCallback = %+v, %v", wresp, err)
	}

	tresp, err := client.TriggerTimeout(ctx, &TriggerTimeoutRequest{RequestID: "11"})
	if err != nil || !tresp.Refunded {
		t.Errorf("TriggerTimeout = %+v, %v", tresp, err)
	}

	v, err := NewRemoteDecrypter(conn).Decrypt(ctx, mustID(t, "123"))
	if err != nil || v != 3000 {
		t.Errorf("Decrypt = %d, %v", v, err)
	}
}

func mustID(t *testing.T, s string) uint256.Int {
	t.Helper()
	parsed, err := ParseRequestID(s)
	if err != nil {
		t.Fatal(err)
	}
	return parsed
}
