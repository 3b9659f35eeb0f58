// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import "sort"

// RecordingLayout contém os offsets (base 0) de cada atributo dentro do grupo
// de campos de uma gravação. O grupo se repete por linha nas respostas de
// QUERY_RECORDINGS e aparece uma única vez em QUERY_RECORDING.
type RecordingLayout struct {
	Name        string
	Title       int
	Subtitle    int
	Description int
	Genre       int
	ChanID      int
	ChannelName int
	BaseURL     int
	FileSize    int
	StartTime   int
	EndTime     int
}

// Layouts conhecidos, um por geração do formato ProgramInfo.
// ChanID é usado apenas pela resolução de cut list (QUERY_COMMBREAK).
var (
	LayoutOldest = RecordingLayout{
		Name: "oldest", Title: 0, Subtitle: 1, Description: 2, Genre: 3,
		ChanID: 4, ChannelName: 7, BaseURL: 8, FileSize: 9,
		StartTime: 23, EndTime: 24,
	}
	LayoutMiddle = RecordingLayout{
		Name: "middle", Title: 0, Subtitle: 1, Description: 2, Genre: 5,
		ChanID: 6, ChannelName: 9, BaseURL: 10, FileSize: 11,
		StartTime: 25, EndTime: 26,
	}
	LayoutNewest = RecordingLayout{
		Name: "newest", Title: 0, Subtitle: 1, Description: 2, Genre: 6,
		ChanID: 7, ChannelName: 10, BaseURL: 11, FileSize: 12,
		StartTime: 26, EndTime: 27,
	}
)

// SizeWordOrder indica como o tamanho do arquivo é codificado na resposta do
// ANN FileTransfer. A ordem das metades muda entre gerações do protocolo.
type SizeWordOrder int

const (
	// SizeHighFirst: OK[]:[]id[]:[]high[]:[]low
	SizeHighFirst SizeWordOrder = iota
	// SizeLowFirst: OK[]:[]id[]:[]low[]:[]high, ou OK[]:[]id[]:[]size64 quando há um único campo.
	SizeLowFirst
)

// SeekForm indica o formato do QUERY_FILETRANSFER SEEK.
type SeekForm int

const (
	// SeekSplit32: SEEK[]:[]high[]:[]low[]:[]0[]:[]0[]:[]0
	SeekSplit32 SeekForm = iota
	// SeekInt64: SEEK[]:[]offset[]:[]0[]:[]0
	SeekInt64
)

// Version descreve uma versão do protocolo suportada pelo client.
type Version struct {
	ID        int
	Release   string // versão do MythTV correspondente (informativa)
	Token     string // token exigido no MYTH_PROTO_VERSION a partir da 0.24
	Layout    RecordingLayout
	SizeOrder SizeWordOrder
	SeekForm  SeekForm
	// TransferArgs são os argumentos extras após o client tag no ANN FileTransfer
	// (ex.: "0" = write mode desligado). Vazio na geração mais antiga.
	TransferArgs string
}

// Registry é a tabela imutável de versões conhecidas.
type Registry struct {
	byID  map[int]*Version
	ids   []int
	floor int
}

// NewRegistry cria um registro a partir das versões fornecidas.
// floor é a menor versão aceita em uma renegociação.
func NewRegistry(floor int, versions ...Version) *Registry {
	r := &Registry{byID: make(map[int]*Version, len(versions)), floor: floor}
	for i := range versions {
		v := versions[i]
		r.byID[v.ID] = &v
		r.ids = append(r.ids, v.ID)
	}
	sort.Ints(r.ids)
	return r
}

// MinSupportedVersion é o piso de renegociação do registro padrão.
const MinSupportedVersion = 63

var defaultRegistry = NewRegistry(MinSupportedVersion,
	Version{ID: 63, Release: "0.24", Token: "3875641D", Layout: LayoutOldest, SizeOrder: SizeHighFirst, SeekForm: SeekSplit32},
	Version{ID: 72, Release: "0.25", Token: "D78EFD6F", Layout: LayoutMiddle, SizeOrder: SizeLowFirst, SeekForm: SeekInt64, TransferArgs: "0"},
	Version{ID: 75, Release: "0.26", Token: "SweetRock", Layout: LayoutMiddle, SizeOrder: SizeLowFirst, SeekForm: SeekInt64, TransferArgs: "0"},
	Version{ID: 77, Release: "0.27", Token: "WindMark", Layout: LayoutNewest, SizeOrder: SizeLowFirst, SeekForm: SeekInt64, TransferArgs: "0"},
)

// DefaultRegistry retorna o registro com as versões 63, 72, 75 e 77.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Lookup retorna a versão pelo id. Ids desconhecidos são um resultado normal.
func (r *Registry) Lookup(id int) (*Version, bool) {
	v, ok := r.byID[id]
	return v, ok
}

// Latest retorna a maior versão registrada (proposta inicial do handshake).
func (r *Registry) Latest() *Version {
	if len(r.ids) == 0 {
		return nil
	}
	return r.byID[r.ids[len(r.ids)-1]]
}

// Floor retorna a menor versão aceita em renegociação.
func (r *Registry) Floor() int {
	return r.floor
}

// IDs retorna os ids registrados em ordem crescente.
func (r *Registry) IDs() []int {
	out := make([]int, len(r.ids))
	copy(out, r.ids)
	return out
}

// Negotiable retorna a versão do servidor se ela for conhecida e >= floor.
func (r *Registry) Negotiable(serverID int) (*Version, bool) {
	if serverID < r.floor {
		return nil, false
	}
	return r.Lookup(serverID)
}
