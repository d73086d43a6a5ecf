package room

type CreateRoomParams struct {
	RoomId   string
	Capacity int
	Enabled  bool
	MediaRef string
}

type SetRoomEnabledParams struct {
	RoomId  string
	Enabled bool
}

type AddMemberParams struct {
	RoomId   string
	MemberId string
}

type RemoveMemberParams struct {
	RoomId   string
	MemberId string
}
