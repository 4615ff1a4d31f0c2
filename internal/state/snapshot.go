package state

import "math/big"

// ZeroAddress is the burn/mint sentinel in transfer events.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// Snapshot is the reconstructed domain state at a target block. It is built
// per query by folding the stored event sequence and discarded afterwards;
// nothing shares or caches it.
type Snapshot struct {
	Game       *Game                 `json:"game"`
	Players    map[string]*Player    `json:"players"`
	Tokens     map[string]*Token     `json:"tokens"`
	NFTs       map[string]*NFT       `json:"nfts"`
	Gamepieces map[string]*Gamepiece `json:"gamepieces"`
	Affiliates map[string]*Affiliate `json:"affiliates"`
	Events     *EventStats           `json:"events"`
}

type Game struct {
	Level          *big.Int    `json:"level"`
	Phase          *big.Int    `json:"phase"`
	PrizePools     *PrizePools `json:"prize_pools"`
	TraitCounts    [4][4]int64 `json:"trait_counts"`
	JackpotCounter int64       `json:"jackpot_counter"`
	LastEventBlock *uint64     `json:"last_event_block"`
}

type PrizePools struct {
	Current   *big.Int `json:"current"`
	Future    *big.Int `json:"future"`
	Next      *big.Int `json:"next"`
	BAF       *big.Int `json:"baf"`
	Decimator *big.Int `json:"decimator"`
}

type Player struct {
	Address      string                 `json:"address"`
	EthDeposited *big.Int               `json:"eth_deposited,omitempty"`
	Tickets      *Tickets               `json:"tickets,omitempty"`
	Activity     map[string]interface{} `json:"activity,omitempty"`

	// Filled only by the per-player view.
	TokenBalances map[string]*big.Int `json:"token_balances,omitempty"`
	NFTHoldings   map[string][]string `json:"nft_holdings,omitempty"`
}

type Tickets struct {
	Current *big.Int `json:"current"`
	Future  *big.Int `json:"future"`
}

type Token struct {
	Name        string              `json:"name"`
	TotalSupply *big.Int            `json:"total_supply"`
	Balances    map[string]*big.Int `json:"balances"`
}

type NFT struct {
	Name string `json:"name"`
	// Owners maps token id to owner address; burned tokens carry no entry.
	Owners map[string]string `json:"owners"`
}

type Gamepiece struct {
	Owner  interface{} `json:"owner"`
	Traits interface{} `json:"traits"`
	Burned bool        `json:"burned"`
}

type Affiliate struct {
	Code   interface{} `json:"code"`
	Upline interface{} `json:"upline"`
}

type EventStats struct {
	Counts map[string]int64 `json:"counts"`
}

func newSnapshot() *Snapshot {
	return &Snapshot{
		Game: &Game{
			Level: big.NewInt(0),
			PrizePools: &PrizePools{
				Current:   big.NewInt(0),
				Future:    big.NewInt(0),
				Next:      big.NewInt(0),
				BAF:       big.NewInt(0),
				Decimator: big.NewInt(0),
			},
		},
		Players:    make(map[string]*Player),
		Tokens:     make(map[string]*Token),
		NFTs:       make(map[string]*NFT),
		Gamepieces: make(map[string]*Gamepiece),
		Affiliates: make(map[string]*Affiliate),
		Events:     &EventStats{Counts: make(map[string]int64)},
	}
}

func (s *Snapshot) token(addr, name string) *Token {
	if t, ok := s.Tokens[addr]; ok {
		return t
	}
	t := &Token{Name: name, TotalSupply: big.NewInt(0), Balances: make(map[string]*big.Int)}
	s.Tokens[addr] = t
	return t
}

func (s *Snapshot) nft(addr, name string) *NFT {
	if n, ok := s.NFTs[addr]; ok {
		return n
	}
	n := &NFT{Name: name, Owners: make(map[string]string)}
	s.NFTs[addr] = n
	return n
}

func (s *Snapshot) player(addr string) *Player {
	if p, ok := s.Players[addr]; ok {
		return p
	}
	p := &Player{
		Address:      addr,
		EthDeposited: big.NewInt(0),
		Tickets:      &Tickets{Current: big.NewInt(0), Future: big.NewInt(0)},
		Activity:     map[string]interface{}{},
	}
	s.Players[addr] = p
	return p
}
