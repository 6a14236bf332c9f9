package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestExchangeErrorClass(t *testing.T) {
	tests := []struct {
		code int
		want ErrorClass
	}{
		{CodeInvalidTimestamp, ClassTransient},
		{CodeUnknownOrder, ClassRace},
		{CodeNoSuchOrder, ClassRace},
		{CodeReduceOnlyReject, ClassRace},
		{-2019, ClassFatal}, // margin insufficient
	}
	for _, tt := range tests {
		xe := &ExchangeError{Code: tt.code, Msg: "x"}
		if got := xe.Class(); got != tt.want {
			t.Errorf("code %d: class = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestClassifiersSeeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("binance: cancel order: %w", &ExchangeError{Code: CodeUnknownOrder, Msg: "Unknown order sent."})
	if !IsOrderNotFound(err) {
		t.Error("IsOrderNotFound missed a wrapped error")
	}
	if IsClockSkew(err) || IsAlreadyClosed(err) {
		t.Error("wrong classifier matched")
	}
	if IsOrderNotFound(errors.New("plain")) {
		t.Error("plain error classified as venue error")
	}
}

func TestInstrumentLookup(t *testing.T) {
	table := DefaultInstruments()
	inst, err := table.Lookup("DOGEUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if inst.Symbol != "DOGEUSDT" || inst.QtyPrecision != 0 || inst.PricePrecision != 5 {
		t.Errorf("instrument = %+v", inst)
	}
	if _, err := table.Lookup("dogeusdt"); !errors.Is(err, ErrUnknownInstrument) {
		t.Errorf("lookup is case sensitive, got err = %v", err)
	}
}
