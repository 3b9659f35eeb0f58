// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package backend

import (
	"fmt"
	"sort"

	"github.com/nishisan-dev/n-myth/internal/protocol"
)

// Nomes dos seek points.
const (
	SeekPointStart      = "Start"
	SeekPointShow       = "Show"
	SeekPointCommercial = "Commercial"
)

// markCommercialStart é o tipo de marca que abre um intervalo comercial.
const markCommercialStart = "4"

// Offsets dentro de cada linha do QUERY_COMMBREAK.
const (
	commbreakTypeField  = 0
	commbreakFrameField = 2
)

// SeekPoint é um ponto de navegação por offset de byte.
type SeekPoint struct {
	Offset int64
	Name   string
}

// Title agrupa seek points como um menu de capítulos.
type Title struct {
	Name       string
	Menu       bool
	SeekPoints []SeekPoint
}

// CutListTitle monta o título "Cuts" a partir dos seek points.
func CutListTitle(points []SeekPoint) Title {
	return Title{Name: "Cuts", Menu: true, SeekPoints: points}
}

// ResolveCutList converte as marcas de intervalo comercial de uma gravação
// em offsets de byte. Cada marca é resolvida com uma consulta SQL ao índice
// de seek do backend (maior offset indexado com mark <= frame). O resultado
// sempre começa com {0, "Start"}.
func ResolveCutList(c Commander, chanID, startKey string) ([]SeekPoint, error) {
	points := []SeekPoint{{Offset: 0, Name: SeekPointStart}}

	reply, err := c.SendCommand(fmt.Sprintf("QUERY_COMMBREAK %s %s", chanID, startKey))
	if err != nil {
		return nil, fmt.Errorf("querying commercial breaks: %w", err)
	}

	// O backend responde "-1" ou "0" quando não há marcas
	if n, err := reply.Int(0); err == nil && n <= 0 {
		return points, nil
	}

	rows, group, err := tableShape(reply)
	if err != nil {
		return nil, err
	}

	for i := 0; i < rows; i++ {
		base := 1 + i*group
		frame := lenientInt(reply.Get(base + commbreakFrameField))

		offset, err := frameOffset(c, chanID, startKey, frame)
		if err != nil {
			return nil, err
		}

		name := SeekPointShow
		if reply.Get(base+commbreakTypeField) == markCommercialStart {
			name = SeekPointCommercial
		}
		points = append(points, SeekPoint{Offset: offset, Name: name})
	}
	return points, nil
}

// frameOffset busca o offset do keyframe indexado mais próximo antes do frame.
// Sem linhas no índice, o offset é 0.
func frameOffset(c Commander, chanID, startKey string, frame int64) (int64, error) {
	query := fmt.Sprintf("SELECT offset FROM recordedseek WHERE chanid=%s AND UNIX_TIMESTAMP(starttime)=%s AND mark <= %d ORDER BY mark DESC LIMIT 1",
		chanID, startKey, frame)

	reply, err := c.SendCommand(protocol.JoinTokens("SQL_QUERY", query))
	if err != nil {
		return 0, fmt.Errorf("resolving frame %d: %w", frame, err)
	}
	if lenientInt(reply.First()) <= 0 {
		return 0, nil
	}
	return lenientInt(reply.Get(1)), nil
}

// SeekPointAt retorna o índice do seek point que contém pos: o último ponto
// com Offset <= pos. Os pontos devem estar em ordem de offset.
func SeekPointAt(points []SeekPoint, pos int64) int {
	i := sort.Search(len(points), func(i int) bool {
		return points[i].Offset > pos
	})
	if i == 0 {
		return 0
	}
	return i - 1
}
