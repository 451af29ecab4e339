package registry

import "github.com/pitabwire/flowdesk/model"

var eventStatuses = []string{
	model.EventStatusDraft,
	model.EventStatusPublished,
	model.EventStatusCancelled,
	model.EventStatusCompleted,
	model.EventStatusPostponed,
}

var audiences = []string{
	model.RecipientsAll,
	model.RecipientsRegistered,
	model.RecipientsWaitlisted,
	model.RecipientsCheckedIn,
}

func builtinEntries() []Entry {
	return []Entry{
		{
			Type: model.TriggerDate, Kind: model.KindTrigger, Title: "Date Trigger", Icon: IconCalendar,
			Fields: []Field{
				{Key: "date", Label: "Date", Input: FieldDate},
				{Key: "relativeTo", Label: "Relative To", Input: FieldEnum, Options: []string{"startDate", "endDate"}},
				{Key: "offsetDays", Label: "Offset Days", Input: FieldNumber},
			},
		},
		{
			Type: model.TriggerNumOfAttendees, Kind: model.KindTrigger, Title: "Attendee Count Trigger", Icon: IconUsers,
			Fields: []Field{
				{Key: "count", Label: "Count", Input: FieldNumber, Required: true},
				{Key: "comparison", Label: "Comparison", Input: FieldEnum, Options: []string{model.ComparisonAtLeast, model.ComparisonExactly}},
			},
		},
		{
			Type: model.TriggerStatus, Kind: model.KindTrigger, Title: "Status Trigger", Icon: IconFlag,
			Fields: []Field{
				{Key: "status", Label: "Status", Input: FieldEnum, Required: true, Options: eventStatuses},
			},
		},
		{
			Type: model.TriggerRegistration, Kind: model.KindTrigger, Title: "Registration Trigger", Icon: IconUserPlus,
			Fields: []Field{
				{Key: "ticketType", Label: "Ticket Type", Input: FieldText},
			},
		},
		{
			Type: model.ActionEmail, Kind: model.KindAction, Title: "Email Action", Icon: IconMail,
			Fields: []Field{
				{Key: "templateId", Label: "Template", Input: FieldText, Required: true},
				{Key: "templateName", Label: "Template Name", Input: FieldText},
				{Key: "recipients", Label: "Recipients", Input: FieldEnum, Options: audiences},
				{Key: "subject", Label: "Subject", Input: FieldText},
			},
		},
		{
			Type: model.ActionNotification, Kind: model.KindAction, Title: "Notification Action", Icon: IconBell,
			Fields: []Field{
				{Key: "message", Label: "Message", Input: FieldText, Required: true},
				{Key: "channel", Label: "Channel", Input: FieldEnum, Options: []string{"inApp", "push", "sms"}},
			},
		},
		{
			Type: model.ActionStatusChange, Kind: model.KindAction, Title: "Status Change Action", Icon: IconRefresh,
			Fields: []Field{
				{Key: "newStatus", Label: "New Status", Input: FieldEnum, Required: true, Options: eventStatuses},
			},
		},
		{
			Type: model.ActionFileShare, Kind: model.KindAction, Title: "File Share Action", Icon: IconShare,
			Fields: []Field{
				{Key: "fileUrl", Label: "File", Input: FieldURL, Required: true},
				{Key: "fileName", Label: "File Name", Input: FieldText},
				{Key: "recipients", Label: "Recipients", Input: FieldEnum, Options: audiences},
			},
		},
		{
			Type: model.ActionImageChange, Kind: model.KindAction, Title: "Image Change Action", Icon: IconImage,
			Fields: []Field{
				{Key: "imageUrl", Label: "Image", Input: FieldURL, Required: true},
			},
		},
		{
			Type: model.ActionTitleChange, Kind: model.KindAction, Title: "Title Change Action", Icon: IconType,
			Fields: []Field{
				{Key: "newTitle", Label: "New Title", Input: FieldText, Required: true},
			},
		},
		{
			Type: model.ActionDescriptionChange, Kind: model.KindAction, Title: "Description Change Action", Icon: IconAlignLeft,
			Fields: []Field{
				{Key: "newDescription", Label: "New Description", Input: FieldText, Required: true},
			},
		},
	}
}
