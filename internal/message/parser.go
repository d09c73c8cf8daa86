package message

// Parser decodes the encrypted messages of one direction of a session. It
// moves to the next stage only after a message was decoded successfully.
type Parser struct {
	next Kind
}

// NewParser returns a parser expecting the Metadata message.
func NewParser() *Parser {
	return &Parser{next: KindMetadata}
}

// Expect returns the kind of the next message.
func (p *Parser) Expect() Kind {
	return p.next
}

// Parse decodes one complete message from b.
func (p *Parser) Parse(b []byte) (*Message, error) {
	switch p.next {
	case KindMetadata:
		md, err := ParseMetadata(b)
		if err != nil {
			return nil, err
		}
		p.next = KindAck
		return &Message{Kind: KindMetadata, Metadata: md}, nil
	case KindAck:
		ack, err := ParseAck(b)
		if err != nil {
			return nil, err
		}
		p.next = KindPeer
		return &Message{Kind: KindAck, Ack: ack}, nil
	default:
		pm, err := ParsePeerMessage(b)
		if err != nil {
			return nil, err
		}
		return &Message{Kind: KindPeer, Peer: pm}, nil
	}
}
