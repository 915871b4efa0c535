// Package model содержит доменные сущности сервиса стейкинга.
package model

import (
	"time"

	"github.com/holiman/uint256"
)

// Principal идентифицирует аккаунт. Значение непрозрачно и сравнивается только на равенство.
type Principal string

// String возвращает текстовое представление идентификатора.
func (p Principal) String() string {
	return string(p)
}

// Stake описывает застейканные средства одного аккаунта.
type Stake struct {
	// Amount — текущая сумма основного долга в минимальных единицах токена.
	Amount uint256.Int
	// CreatedAt выставляется при первом депозите и сбрасывается при каждом довнесении.
	CreatedAt time.Time
	// UpdatedAt — момент последнего начисления награды.
	UpdatedAt time.Time
	// RewardDebt — награда, которую не удалось выплатить из-за нехватки средств.
	RewardDebt uint256.Int
}

// StakeInfo — представление Stake для ответов API.
type StakeInfo struct {
	Amount     string `json:"amount"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
	RewardDebt string `json:"reward_debt"`
}

// Info преобразует запись в представление для API. Время отдаётся в наносекундах Unix.
func (s Stake) Info() StakeInfo {
	return StakeInfo{
		Amount:     s.Amount.Dec(),
		CreatedAt:  s.CreatedAt.UnixNano(),
		UpdatedAt:  s.UpdatedAt.UnixNano(),
		RewardDebt: s.RewardDebt.Dec(),
	}
}

// Totals содержит значения глобальных счётчиков.
type Totals struct {
	TotalStaked     string `json:"total_staked"`
	TotalRewardDebt string `json:"total_reward_debt"`
}

// Counter — имя глобального счётчика в хранилище.
type Counter string

const (
	CounterTotalStaked     Counter = "totalStaked"
	CounterTotalRewardDebt Counter = "totalRewardDebt"
)

// Counters перечисляет все счётчики, инициализируемые при создании актора.
var Counters = []Counter{CounterTotalStaked, CounterTotalRewardDebt}
