package domain

// Instrument carries the rounding rules of a tradable symbol.
type Instrument struct {
	Symbol         string
	QtyPrecision   int32
	PricePrecision int32
}

// InstrumentTable maps symbols to their rounding rules.
type InstrumentTable map[string]Instrument

// Lookup returns the instrument for symbol or ErrUnknownInstrument.
func (t InstrumentTable) Lookup(symbol string) (Instrument, error) {
	inst, ok := t[symbol]
	if !ok {
		return Instrument{}, ErrUnknownInstrument
	}
	inst.Symbol = symbol
	return inst, nil
}

// DefaultInstruments is the built-in precision table for the USDⓈ-M symbols
// the bot has traded.
func DefaultInstruments() InstrumentTable {
	return InstrumentTable{
		"BTCUSDT":  {QtyPrecision: 3, PricePrecision: 2},
		"BNBUSDT":  {QtyPrecision: 2, PricePrecision: 2},
		"ETHUSDT":  {QtyPrecision: 3, PricePrecision: 2},
		"ADAUSDT":  {QtyPrecision: 0, PricePrecision: 4},
		"DOGEUSDT": {QtyPrecision: 0, PricePrecision: 5},
		"DOTUSDT":  {QtyPrecision: 1, PricePrecision: 3},
		"BTCBUSD":  {QtyPrecision: 3, PricePrecision: 2},
		"BNBBUSD":  {QtyPrecision: 2, PricePrecision: 2},
		"ETHBUSD":  {QtyPrecision: 3, PricePrecision: 2},
		"DOGEBUSD": {QtyPrecision: 0, PricePrecision: 5},
		"SOLUSDT":  {QtyPrecision: 0, PricePrecision: 3},
		"XRPUSDT":  {QtyPrecision: 1, PricePrecision: 4},
	}
}
