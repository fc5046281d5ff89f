package core

import (
	"context"
	"errors"
	"fmt"
)

var MainRooms = []string{"Main Lobby", "India", "Global"}

var StateRooms = []string{
	"Andhra Pradesh", "Arunachal Pradesh", "Assam", "Bihar", "Chhattisgarh",
	"Goa", "Gujarat", "Haryana", "Himachal Pradesh", "Jharkhand", "Karnataka",
	"Kerala", "Madhya Pradesh", "Maharashtra", "Manipur", "Meghalaya",
	"Mizoram", "Nagaland", "Odisha", "Punjab", "Rajasthan", "Sikkim",
	"Tamil Nadu", "Telangana", "Tripura", "Uttar Pradesh", "Uttarakhand",
	"West Bengal",
}

var LanguageRooms = []string{
	"Hindi", "English", "Marathi", "Tamil", "Telugu", "Kannada", "Malayalam",
	"Punjabi", "Bengali", "Gujarati", "Assamese", "Odia", "Urdu", "Sanskrit",
	"Kashmiri", "Sindhi",
}

// SeedCatalog returns the rooms that exist on every deployment.
func SeedCatalog() []RoomCreateInput {
	catalog := make([]RoomCreateInput, 0, len(MainRooms)+len(StateRooms)+len(LanguageRooms))
	for _, name := range MainRooms {
		catalog = append(catalog, RoomCreateInput{
			Name:        name,
			Description: fmt.Sprintf("Welcome to %s chat room!", name),
			Type:        PublicRoom,
			Category:    "main",
		})
	}
	for _, name := range StateRooms {
		catalog = append(catalog, RoomCreateInput{
			Name:        name,
			Description: fmt.Sprintf("Connect with people from %s", name),
			Type:        StateRoom,
			Category:    "states",
		})
	}
	for _, lang := range LanguageRooms {
		catalog = append(catalog, RoomCreateInput{
			Name:        lang + " Chat",
			Description: fmt.Sprintf("Chat in %s language", lang),
			Type:        LanguageRoom,
			Category:    "languages",
		})
	}
	return catalog
}

// SeedRooms creates every catalog room that does not exist yet and returns
// how many it created.
func SeedRooms(ctx context.Context, store ChatStore) (int, error) {
	created := 0
	for _, input := range SeedCatalog() {
		existing, err := store.GetRoomByName(ctx, input.Name)
		if err != nil {
			return created, fmt.Errorf("GetRoomByName(%s): %w", input.Name, err)
		}
		if existing != nil {
			continue
		}
		if _, err := store.CreateRoom(ctx, input); err != nil {
			if errors.Is(err, ErrConflictedRoom) {
				continue
			}
			return created, fmt.Errorf("CreateRoom(%s): %w", input.Name, err)
		}
		created++
	}
	return created, nil
}
