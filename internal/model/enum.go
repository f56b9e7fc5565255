package model

// BookStatus is the trading state of a product's book.
type BookStatus uint8

const (
	BookStatusUnknown BookStatus = iota
	BookStatusPreOpen
	BookStatusOpen
	BookStatusHalted
	BookStatusClosed
)

func (s BookStatus) String() string {
	switch s {
	case BookStatusPreOpen:
		return "PreOpen"
	case BookStatusOpen:
		return "Open"
	case BookStatusHalted:
		return "Halted"
	case BookStatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// MarketParticipant is the market whose quote triggered a BBO update.
type MarketParticipant uint8

const (
	ParticipantUnknown MarketParticipant = iota
	ParticipantNYSE
	ParticipantArca
	ParticipantAmerican
	ParticipantNational
	ParticipantChicago
)

func (p MarketParticipant) String() string {
	switch p {
	case ParticipantNYSE:
		return "NYSE"
	case ParticipantArca:
		return "NYSEArca"
	case ParticipantAmerican:
		return "NYSEAmerican"
	case ParticipantNational:
		return "NYSENational"
	case ParticipantChicago:
		return "NYSEChicago"
	default:
		return "Unknown"
	}
}

// ParticipantFromMarketID maps the XDP market id.
func ParticipantFromMarketID(id uint16) MarketParticipant {
	switch id {
	case 1:
		return ParticipantNYSE
	case 3:
		return ParticipantArca
	case 4:
		return ParticipantAmerican
	case 9:
		return ParticipantNational
	case 10:
		return ParticipantChicago
	default:
		return ParticipantUnknown
	}
}

// SecurityStatus is the raw status code carried by a status message.
type SecurityStatus byte

const (
	SecurityStatusOpened         SecurityStatus = 'O'
	SecurityStatusPreOpening     SecurityStatus = 'P'
	SecurityStatusClosed         SecurityStatus = 'X'
	SecurityStatusHalt           SecurityStatus = '4'
	SecurityStatusResume         SecurityStatus = '5'
	SecurityStatusTradingHalted  SecurityStatus = 'H'
	SecurityStatusShortSaleOn    SecurityStatus = 'A'
	SecurityStatusShortSaleOff   SecurityStatus = 'C'
	SecurityStatusMarketImbalBuy SecurityStatus = 'B'
)

// BookStatus folds the raw status into a book state. Statuses that do not
// change trading state return ok=false.
func (s SecurityStatus) BookStatus() (BookStatus, bool) {
	switch s {
	case SecurityStatusOpened, SecurityStatusResume:
		return BookStatusOpen, true
	case SecurityStatusPreOpening:
		return BookStatusPreOpen, true
	case SecurityStatusClosed:
		return BookStatusClosed, true
	case SecurityStatusHalt, SecurityStatusTradingHalted:
		return BookStatusHalted, true
	default:
		return BookStatusUnknown, false
	}
}
