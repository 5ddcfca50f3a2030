package domain

import (
	"fmt"
	"time"
)

// Account identifica un balance: un holder dentro de una economía.
type Account struct {
	Economy string
	Holder  string
}

func (a Account) String() string {
	return a.Economy + ":" + a.Holder
}

// EscrowAccount es la cuenta que retiene los puntos apostados en un mercado.
func EscrowAccount(economy string, marketID int64) Account {
	return Account{Economy: economy, Holder: fmt.Sprintf("market:%d", marketID)}
}

// TxKind es la dirección de un movimiento del ledger.
type TxKind string

const (
	TxCredit TxKind = "CREDIT"
	TxDebit  TxKind = "DEBIT"
)

// Transaction es una fila append-only del ledger. Toda mutación de balance
// tiene exactamente una.
type Transaction struct {
	ID        string
	Account   Account
	Kind      TxKind
	Amount    int64
	Balance   int64 // balance resultante
	Memo      string
	CreatedAt time.Time
}
