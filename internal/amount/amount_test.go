package amount

import (
	"errors"
	"math"
	"testing"
)

func TestAdd(t *testing.T) {
	tests := []struct {
		name    string
		a, b    int64
		want    int64
		wantErr error
	}{
		{"simple", 60, 50, 110, nil},
		{"zero", 0, 0, 0, nil},
		{"negative operand", 10, -4, 6, nil},
		{"max boundary", math.MaxInt64 - 1, 1, math.MaxInt64, nil},
		{"overflow", math.MaxInt64, 1, 0, ErrOverflow},
		{"underflow", math.MinInt64, -1, 0, ErrOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Add(tt.a, tt.b)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Add(%d, %d) error = %v, want %v", tt.a, tt.b, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("Add(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestSub(t *testing.T) {
	if got, err := Sub(110, 100); err != nil || got != 10 {
		t.Errorf("Sub(110, 100) = %d, %v", got, err)
	}
	if _, err := Sub(math.MinInt64, 1); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected overflow, got %v", err)
	}
}

func TestSum(t *testing.T) {
	got, err := Sum(60, 40, 0)
	if err != nil || got != 100 {
		t.Fatalf("Sum = %d, %v", got, err)
	}

	if _, err := Sum(math.MaxInt64, 1); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
	if _, err := Sum(5, -1); !errors.Is(err, ErrNegative) {
		t.Errorf("expected ErrNegative, got %v", err)
	}
}

func TestPositive(t *testing.T) {
	if err := Positive(1); err != nil {
		t.Errorf("Positive(1) = %v", err)
	}
	for _, v := range []int64{0, -5} {
		if err := Positive(v); !errors.Is(err, ErrNotPositive) {
			t.Errorf("Positive(%d) = %v, want ErrNotPositive", v, err)
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr error
	}{
		{"100", 100, nil},
		{" 42 ", 42, nil},
		{"+7", 7, nil},
		{"", 0, ErrMalformed},
		{"1.5", 0, ErrMalformed},
		{"1e3", 0, ErrMalformed},
		{"abc", 0, ErrMalformed},
		{"-3", 0, ErrNegative},
		{"9223372036854775808", 0, ErrOverflow},
	}

	for _, tt := range tests {
		got, err := Parse(tt.in)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("Parse(%q) error = %v, want %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("Parse(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
