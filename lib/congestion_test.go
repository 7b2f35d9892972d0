package lib

import "testing"

func TestCongestionSlowStart(t *testing.T) {
	cc := newCongestion(1, 64)
	for i := 0; i < 10; i++ {
		cc.onAck(uint32(i+1), true, false, 100)
	}
	if cc.cwnd != 11 {
		t.Errorf("cwnd after 10 new ACKs = %v, want 11", cc.cwnd)
	}
	if cc.state != CongOpen {
		t.Errorf("state = %s, want OPEN", cc.state)
	}
}

func TestCongestionAvoidance(t *testing.T) {
	cc := newCongestion(64, 64)
	cc.onAck(1, true, false, 100)
	want := 64 + 1.0/64
	if cc.cwnd != want {
		t.Errorf("cwnd = %v, want %v", cc.cwnd, want)
	}
}

func TestCongestionFastRetransmit(t *testing.T) {
	cc := newCongestion(10, 64)

	tests := []struct {
		name       string
		ack        uint32
		newAck     bool
		dup        bool
		wantState  CongState
		wantRetx   bool
		wantWake   bool
		wantCwnd   float64
		wantThresh float64
	}{
		{"first dup", 100, false, true, CongDisorder, false, false, 11, 64},
		{"second dup", 100, false, true, CongDisorder, false, false, 12, 64},
		{"third dup", 100, false, true, CongRecovery, true, false, 12.5, 6},
		{"dup in recovery", 100, false, true, CongRecovery, false, true, 6.25, 6},
		{"partial ack", 150, true, false, CongRecovery, true, false, 6.25, 6},
		{"full ack", 200, true, false, CongOpen, false, false, 6.25, 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := cc.onAck(tt.ack, tt.newAck, tt.dup, 200)
			if cc.state != tt.wantState {
				t.Errorf("state = %s, want %s", cc.state, tt.wantState)
			}
			if v.retransmit != tt.wantRetx {
				t.Errorf("retransmit = %v, want %v", v.retransmit, tt.wantRetx)
			}
			if v.wake != tt.wantWake {
				t.Errorf("wake = %v, want %v", v.wake, tt.wantWake)
			}
			if cc.cwnd != tt.wantCwnd {
				t.Errorf("cwnd = %v, want %v", cc.cwnd, tt.wantCwnd)
			}
			if cc.ssthresh != tt.wantThresh {
				t.Errorf("ssthresh = %v, want %v", cc.ssthresh, tt.wantThresh)
			}
		})
	}
}

func TestCongestionDisorderKeepsGrowing(t *testing.T) {
	cc := newCongestion(4, 64)

	tests := []struct {
		name      string
		ack       uint32
		newAck    bool
		dup       bool
		wantState CongState
		wantDups  int
		wantCwnd  float64
	}{
		{"dup in open", 100, false, true, CongDisorder, 1, 5},
		{"second dup", 100, false, true, CongDisorder, 2, 6},
		{"new ack stays in disorder", 120, true, false, CongDisorder, 2, 7},
		{"third dup enters recovery", 120, false, true, CongRecovery, 3, 7.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cc.onAck(tt.ack, tt.newAck, tt.dup, 200)
			if cc.state != tt.wantState || cc.dupAcks != tt.wantDups {
				t.Errorf("state = %s dupAcks = %d, want %s and %d", cc.state, cc.dupAcks, tt.wantState, tt.wantDups)
			}
			if cc.cwnd != tt.wantCwnd {
				t.Errorf("cwnd = %v, want %v", cc.cwnd, tt.wantCwnd)
			}
		})
	}
	if cc.ssthresh != 4 {
		t.Errorf("ssthresh = %v, want 4", cc.ssthresh)
	}
}

func TestCongestionTimeout(t *testing.T) {
	cc := newCongestion(8, 64)
	cc.onTimeout(500)
	if cc.state != CongLoss {
		t.Fatalf("state = %s, want LOSS", cc.state)
	}
	if cc.cwnd != 4 || cc.ssthresh != 4 {
		t.Errorf("cwnd/ssthresh = %v/%v, want 4/4", cc.cwnd, cc.ssthresh)
	}

	cc.onAck(300, true, false, 600)
	if cc.state != CongLoss {
		t.Errorf("state below loss point = %s, want LOSS", cc.state)
	}
	if cc.cwnd != 4.25 {
		t.Errorf("cwnd = %v, want 4.25", cc.cwnd)
	}

	cc.onAck(500, true, false, 600)
	if cc.state != CongOpen {
		t.Errorf("state at loss point = %s, want OPEN", cc.state)
	}
}

func TestCongestionFloor(t *testing.T) {
	cc := newCongestion(1, 1)
	cc.onTimeout(10)
	if cc.cwnd != 1 || cc.ssthresh != 1 {
		t.Errorf("cwnd/ssthresh = %v/%v, want 1/1", cc.cwnd, cc.ssthresh)
	}
	for i := 0; i < 3; i++ {
		cc.state = CongDisorder
		cc.dupAcks = 2
		cc.onAck(10, false, true, 20)
	}
	if cc.cwnd < 1 {
		t.Errorf("cwnd = %v, fell below 1", cc.cwnd)
	}
}
