package ledger

import "tomo.ai/internal/ledger/address"

type AccountMeta struct {
	Address    address.Address `json:"address"`
	IsSigner   bool            `json:"is_signer"`
	IsWritable bool            `json:"is_writable"`
}

// Instruction is a fully bound invocation: program, account list and
// serialized arguments. Collaborators store and replay it verbatim.
type Instruction struct {
	Program  address.Address `json:"program"`
	Accounts []AccountMeta   `json:"accounts"`
	Data     []byte          `json:"data"`
}

func (in Instruction) Clone() Instruction {
	out := in
	out.Accounts = append([]AccountMeta(nil), in.Accounts...)
	out.Data = append([]byte(nil), in.Data...)
	return out
}

// Size approximates the serialized payload a collaborator must hold.
func (in Instruction) Size() int {
	return address.Size + len(in.Accounts)*(address.Size+2) + len(in.Data)
}
