// Copyright (c) 2025 Kestrun. All rights reserved.
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package cos

import (
	"bytes"
	"testing"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	c := Default()
	c.Common.ProtocolType = ProtocolTypeRWF
	c.Common.ProtocolMajorVersion = 5
	c.Common.ProtocolMinorVersion = 2
	c.Authentication.Type = AuthOMMLogin
	c.FlowControl.Type = FlowControlBidirectional
	c.FlowControl.RecvWindowSize = 65535
	c.Guarantee.Requested = true
	c.Guarantee.Type = GuaranteePersistentQueue

	var buf bytes.Buffer
	if err := Encode(&buf, c); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Common.StreamVersion != c.Common.StreamVersion {
		t.Errorf("stream version mismatch: want %d got %d", c.Common.StreamVersion, got.Common.StreamVersion)
	}
	if got.Authentication.Type != c.Authentication.Type {
		t.Errorf("auth type mismatch")
	}
	if got.FlowControl.RecvWindowSize != c.FlowControl.RecvWindowSize {
		t.Errorf("recv window mismatch: want %d got %d", c.FlowControl.RecvWindowSize, got.FlowControl.RecvWindowSize)
	}
	if !got.Guarantee.Requested || got.Guarantee.Type != GuaranteePersistentQueue {
		t.Errorf("guarantee mismatch: %+v", got.Guarantee)
	}
}

func TestEncode_OmitsGuaranteeWhenNotRequested(t *testing.T) {
	c := Default()
	var buf bytes.Buffer
	if err := Encode(&buf, c); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Guarantee.Requested {
		t.Errorf("expected guarantee filter absent")
	}
}

func TestDecodeStreamVersion_StopsEarly(t *testing.T) {
	c := Default()
	c.Common.StreamVersion = 1
	var buf bytes.Buffer
	if err := Encode(&buf, c); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	v, err := DecodeStreamVersion(&buf)
	if err != nil {
		t.Fatalf("DecodeStreamVersion: %v", err)
	}
	if v != 1 {
		t.Errorf("expected stream version 1, got %d", v)
	}
}

func TestValidate_RejectsBestEffort(t *testing.T) {
	c := Default()
	c.DataIntegrity.Type = DataIntegrityBestEffort
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for best_effort data_integrity")
	}
}

func TestValidate_RejectsLowRecvWindow(t *testing.T) {
	c := Default()
	c.FlowControl.Type = FlowControlBidirectional
	c.FlowControl.RecvWindowSize = 10
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for recv_window_size below minimum")
	}
}

func TestNegotiate_TakesMinStreamVersion(t *testing.T) {
	local := Default()
	local.Common.StreamVersion = 1
	remote := Default()
	remote.Common.StreamVersion = 1
	got, err := Negotiate(local, remote)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if got.Common.StreamVersion != 1 {
		t.Errorf("expected stream version 1, got %d", got.Common.StreamVersion)
	}
}
