// Package relay implements the rendezvous message broker. It pairs
// exactly two parties per room code, forwards negotiation payloads
// verbatim in arrival order, and holds no media or state beyond live
// connections.
package relay

import (
	"time"

	"github.com/spf13/viper"

	"github.com/pairwave/peercall/internal/errors"
)

const (
	ErrRoomFull     errors.Code = "room_full"
	ErrTooManyRooms errors.Code = "too_many_rooms"
	ErrNotInRoom    errors.Code = "not_in_room"
)

type Config struct {
	RoomTTL      time.Duration `mapstructure:"room_ttl"`
	MaxRooms     int           `mapstructure:"max_rooms"`
	MsgRate      float64       `mapstructure:"msg_rate"`
	MsgBurst     int           `mapstructure:"msg_burst"`
	AllowOrigins []string      `mapstructure:"allow_origins"`
}

func Setup(v *viper.Viper, prefix string) {
	v.SetDefault(prefix+".room_ttl", 10*time.Minute)
	v.SetDefault(prefix+".max_rooms", 1024)
	v.SetDefault(prefix+".msg_rate", 50.0)
	v.SetDefault(prefix+".msg_burst", 100)
	v.SetDefault(prefix+".allow_origins", []string{"*"})
}
