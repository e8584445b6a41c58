package cell

// NewCreateTAP builds a legacy CREATE cell carrying a 186-byte TAP onion-skin
// at the start of the 509-byte fixed payload (the rest left zero), per the original CREATE
// format tor-spec kept for backward compatibility alongside CREATE2.
func NewCreateTAP(circID uint32, onionSkin []byte) Cell {
	c := NewFixedCell(circID, CmdCreate)
	copy(c.Payload(), onionSkin)
	return c
}

// NewCreatedTAP builds the matching CREATED cell carrying the 148-byte
// TAP response.
func NewCreatedTAP(circID uint32, response []byte) Cell {
	c := NewFixedCell(circID, CmdCreated)
	copy(c.Payload(), response)
	return c
}
